// Package main runs a scripted CardLink service for manual bridge runs.
//
// Start it, then point the bridge at it:
//
//	go run ./cmd/cardlink-mock -addr 127.0.0.1:8765 -apdu 00A4040C07D2760001448000,00B0810000
//	CARDLINK_SERVICE_URL=ws://127.0.0.1:8765/cardlink CARDLINK_CONSENT=auto go run ./cmd/cardlink
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cardlink/cmd/internal/mockservice"
	v1 "cardlink/shared/contracts/cardlink/v1"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:8765", "Listen address")
		path      = flag.String("path", "/cardlink", "WebSocket path")
		apdus     = flag.String("apdu", "00A4040C07D2760001448000", "Comma-separated hex APDUs to send after registration")
		reject    = flag.String("reject", "", "Reject registration with this error code")
		skipReady = flag.Bool("skip-ready", false, "Do not send Ready; the first command acknowledges registration")
		remove    = flag.Bool("remove", true, "Set removeCardSession in RegisterEgkFinish")
		timeout   = flag.Duration("timeout", 30*time.Second, "Per-step timeout")
	)
	flag.Parse()

	cmds, err := parseAPDUs(*apdus)
	if err != nil {
		fatalf("invalid -apdu: %v", err)
	}

	script := mockservice.Script{
		Commands:          cmds,
		RemoveCardSession: *remove,
		SkipReady:         *skipReady,
		StepTimeout:       *timeout,
	}
	if *reject != "" {
		script.Reject = &v1.ErrorPayload{ErrorCode: *reject, ErrorMessage: "rejected by mock service"}
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := mockservice.New(log, script)

	mux := http.NewServeMux()
	mux.Handle(*path, svc)
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		for tr := range svc.Transcripts() {
			printTranscript(tr)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("mock CardLink service on ws://%s%s (%d commands)\n", *addr, *path, len(cmds))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatalf("listen: %v", err)
	}
}

func parseAPDUs(raw string) ([][]byte, error) {
	var out [][]byte
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		b, err := hex.DecodeString(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func printTranscript(tr mockservice.Transcript) {
	if tr.Err != nil {
		fmt.Printf("FAIL: %v\n", tr.Err)
		return
	}
	fmt.Printf("OK: card_session_id=%s responses=%d close_code=%d\n", tr.Register.CardSessionID, len(tr.Responses), int(tr.CloseCode))
	for i, env := range tr.Responses {
		p, err := env.DecodePayload()
		if err != nil {
			continue
		}
		if r, ok := p.(*v1.SendApduResponse); ok {
			fmt.Printf("  [%d] %X\n", i, r.APDU)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
