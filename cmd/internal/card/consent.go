package card

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cardlink/cmd/internal/cardlink"
)

// AutoConsent answers every consent request without interaction.
type AutoConsent struct {
	Approve bool
}

func (a AutoConsent) RunConsent(ctx context.Context, _ cardlink.ConnectionHandle) (cardlink.ConsentOutcome, error) {
	if ctx.Err() != nil {
		return cardlink.ConsentCancelled, nil
	}
	if a.Approve {
		return cardlink.ConsentOK, nil
	}
	return cardlink.ConsentDeclined, nil
}

// PromptConsent asks on a terminal. "y"/"yes" approves, "n"/"no" declines;
// EOF or context cancellation counts as cancelled.
type PromptConsent struct {
	In  io.Reader
	Out io.Writer
}

func (p PromptConsent) RunConsent(ctx context.Context, h cardlink.ConnectionHandle) (cardlink.ConsentOutcome, error) {
	if p.In == nil {
		return cardlink.ConsentCancelled, errors.New("card: prompt consent without input")
	}
	if p.Out != nil {
		reader := h.IFDName
		if reader == "" {
			reader = "the attached reader"
		}
		fmt.Fprintf(p.Out, "Allow the CardLink service to use the health card in %s? [y/N] ", reader)
	}

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return cardlink.ConsentCancelled, nil
	case a := <-ch:
		if a.err != nil && !(errors.Is(a.err, io.EOF) && a.line != "") {
			if errors.Is(a.err, io.EOF) {
				return cardlink.ConsentCancelled, nil
			}
			return cardlink.ConsentCancelled, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return cardlink.ConsentOK, nil
		default:
			return cardlink.ConsentDeclined, nil
		}
	}
}
