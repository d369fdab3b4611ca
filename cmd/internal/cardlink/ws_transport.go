package cardlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// WSConfig configures a WSTransport. Zero durations fall back to defaults;
// a negative HeartbeatEvery disables pings.
type WSConfig struct {
	URL    string
	Header http.Header

	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	MaxFrameBytes    int64
}

// WSTransport is a client-side Transport over a single WebSocket connection.
//
// It owns two goroutines per connection: a reader that feeds frames to the
// listener and a heartbeat that pings the service. Both stop on Close or when
// the connection drops; the listener then sees OnClose exactly once.
type WSTransport struct {
	log *slog.Logger
	cfg WSConfig

	mu       sync.Mutex
	listener Listener
	conn     *websocket.Conn
	cancel   context.CancelFunc
	readDone chan struct{}
	hbDone   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewWSTransport constructs an unconnected transport.
func NewWSTransport(log *slog.Logger, cfg WSConfig) *WSTransport {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = wsDefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.HeartbeatEvery == 0 {
		cfg.HeartbeatEvery = wsDefaultHeartbeatEvery
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = wsDefaultHeartbeatTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = maxFrameBytes
	}
	return &WSTransport{log: log, cfg: cfg}
}

// SetListener attaches the single listener. A second call fails.
func (t *WSTransport) SetListener(l Listener) error {
	if l == nil {
		return errors.New("ws: nil listener")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return errors.New("ws: listener already attached")
	}
	t.listener = l
	return nil
}

// Connect dials the service and starts the reader and heartbeat goroutines.
// ctx bounds the dial only; the connection lives until Close or a drop.
func (t *WSTransport) Connect(ctx context.Context) error {
	if err := ValidateServiceURL(t.cfg.URL); err != nil {
		return err
	}

	t.mu.Lock()
	l := t.listener
	already := t.conn != nil
	t.mu.Unlock()

	if l == nil {
		return errors.New("ws: connect without listener")
	}
	if already || t.closed.Load() {
		return errors.New("ws: transport already used")
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, t.cfg.URL, &websocket.DialOptions{
		HTTPHeader: t.cfg.Header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.log.Info("ws.dial.fail", "url", redactURL(t.cfg.URL), "status", status, "err", err)
		return fmt.Errorf("ws: dial: %w", err)
	}

	conn.SetReadLimit(t.cfg.MaxFrameBytes)

	runCtx, runCancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.cancel = runCancel
	t.readDone = make(chan struct{})
	t.hbDone = make(chan struct{})
	readDone, hbDone := t.readDone, t.hbDone
	t.mu.Unlock()

	t.log.Info("ws.connected", "url", redactURL(t.cfg.URL))
	l.OnOpen()

	go t.readLoop(runCtx, conn, l, readDone)
	go t.heartbeat(runCtx, conn, hbDone)
	return nil
}

// Send writes one text frame.
func (t *WSTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || t.closed.Load() {
		return ErrTransportClosed
	}

	wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		t.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
		_ = t.shutdown(websocket.StatusAbnormalClosure, "write failed")
		return fmt.Errorf("%w: write: %w", ErrTransportClosed, err)
	}
	return nil
}

// Close closes the connection with the given status (idempotent) and waits briefly
// for the reader and heartbeat to stop.
func (t *WSTransport) Close(code websocket.StatusCode, reason string) error {
	err := t.shutdown(code, reason)

	t.mu.Lock()
	readDone, hbDone := t.readDone, t.hbDone
	t.mu.Unlock()

	for _, done := range []chan struct{}{readDone, hbDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-time.After(wsCloseGrace):
		}
	}
	return err
}

func (t *WSTransport) shutdown(code websocket.StatusCode, reason string) error {
	t.mu.Lock()
	conn, cancel, l := t.conn, t.cancel, t.listener
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.closeOnce.Do(func() {
		t.closed.Store(true)

		// Close before cancel: cancelling the read context tears the conn down without a close frame.
		if reservedCloseCode(code) {
			_ = conn.CloseNow()
		} else if err := conn.Close(code, reason); err != nil && !isAlreadyClosed(err) {
			t.closeErr = err
		}
		cancel()

		t.log.Info("ws.closed", "code", int(code), "reason", reason)
		l.OnClose(code, reason)
	})
	return t.closeErr
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, l Listener, done chan struct{}) {
	defer close(done)

	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			if t.closed.Load() {
				return
			}
			switch classifyReadErr(err) {
			case readErrClose:
				code := websocket.CloseStatus(err)
				reason := ""
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					reason = ce.Reason
				}
				t.log.Info("ws.read.peer_closed", "code", int(code), "reason", reason)
				_ = t.shutdown(code, reason)
			case readErrCtxDone:
				_ = t.shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				l.OnError(err)
				_ = t.shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				t.log.Info("ws.read.fail", "err", err)
				l.OnError(err)
				_ = t.shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if mt != websocket.MessageText {
			t.log.Warn("ws.read.unsupported", "message_type", mt.String(), "bytes", len(data))
			continue
		}
		l.OnFrame(data)
	}
}

func (t *WSTransport) heartbeat(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	if t.cfg.HeartbeatEvery < 0 {
		return
	}

	tk := time.NewTicker(t.cfg.HeartbeatEvery)
	defer tk.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, t.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				t.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					_ = t.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// reservedCloseCode reports codes that only describe a closure locally and may
// not be sent in a close frame.
func reservedCloseCode(code websocket.StatusCode) bool {
	switch code {
	case websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
		return true
	}
	return false
}

func isAlreadyClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	// coder/websocket reports a second close attempt by message only.
	return strings.Contains(err.Error(), "already wrote close") || strings.Contains(err.Error(), "already closed")
}

// ---- url helpers ----

// ValidateServiceURL checks that raw is an absolute ws:// or wss:// URL.
func ValidateServiceURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("ws: missing service url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("ws: invalid service url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("ws: unsupported scheme: %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("ws: service url missing host")
	}
	return nil
}

// redactURL drops query and userinfo, which may carry tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
