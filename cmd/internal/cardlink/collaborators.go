package cardlink

import (
	"context"
	"time"
)

// ProtocolID names the CardLink authentication protocol in DIDAuthenticate requests.
const ProtocolID = "https://gematik.de/protocols/cardlink"

// ConnectionHandle is an opaque reference to a card session or an attached card slot.
type ConnectionHandle struct {
	ContextHandle string
	SlotHandle    string
	IFDName       string
}

// IsZero reports whether h refers to nothing.
func (h ConnectionHandle) IsZero() bool {
	return h == ConnectionHandle{}
}

// Dispatcher executes service-access-layer requests against the card.
type Dispatcher interface {
	CreateSession(ctx context.Context) (ConnectionHandle, error)
	DestroySession(ctx context.Context, h ConnectionHandle) error
	DIDAuthenticate(ctx context.Context, h ConnectionHandle, protocol string) (ConnectionHandle, error)
	Transmit(ctx context.Context, h ConnectionHandle, apdu []byte) ([]byte, error)
}

// DatasetReader reads one named data set (elementary file) from the card.
type DatasetReader interface {
	ReadDataset(ctx context.Context, h ConnectionHandle, name string) ([]byte, error)
}

// ConsentOutcome is the result of the interactive consent flow.
type ConsentOutcome uint8

const (
	ConsentOK ConsentOutcome = iota
	ConsentDeclined
	ConsentCancelled
)

func (o ConsentOutcome) String() string {
	switch o {
	case ConsentOK:
		return "ok"
	case ConsentDeclined:
		return "declined"
	case ConsentCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ConsentEngine runs the user consent flow for a card.
type ConsentEngine interface {
	RunConsent(ctx context.Context, h ConnectionHandle) (ConsentOutcome, error)
}

// Attempt summarizes one finished session attempt for auditing.
type Attempt struct {
	SessionID       string
	CorrelationID   string
	CardFingerprint string
	State           State
	APDUCount       int
	StartedAt       time.Time
	FinishedAt      time.Time
	Err             error
}

// Recorder persists attempt summaries. Optional.
type Recorder interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}
