package cardlink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "cardlink/shared/contracts/cardlink/v1"

	"github.com/coder/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---- transport ----

type fakeTransport struct {
	mu          sync.Mutex
	l           Listener
	connected   bool
	closed      bool
	closeCalls  int
	closeCode   websocket.StatusCode
	closeReason string

	connectErr error
	sent       chan v1.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan v1.Envelope, 64)}
}

func (f *fakeTransport) SetListener(l Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.l != nil {
		return errors.New("listener already attached")
	}
	f.l = l
	return nil
}

func (f *fakeTransport) Connect(_ context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	l := f.l
	f.mu.Unlock()
	l.OnOpen()
	return nil
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	env, err := v1.Unmarshal(data)
	if err != nil {
		return err
	}
	f.sent <- env
	return nil
}

func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	f.closeCalls++
	if f.closed || !f.connected {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	l := f.l
	f.mu.Unlock()

	l.OnClose(code, reason)
	return nil
}

// peerClose simulates the service dropping the connection.
func (f *fakeTransport) peerClose(code websocket.StatusCode) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeCode = code
	l := f.l
	f.mu.Unlock()
	l.OnClose(code, "peer")
}

func (f *fakeTransport) deliver(t *testing.T, p v1.Payload, cardSessionID, correlationID string) {
	t.Helper()
	env, err := v1.NewEnvelope(p, cardSessionID, correlationID)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	f.deliverEnvelope(t, env)
}

func (f *fakeTransport) deliverEnvelope(t *testing.T, env v1.Envelope) {
	t.Helper()
	raw, err := v1.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	f.mu.Lock()
	l := f.l
	f.mu.Unlock()
	l.OnFrame(raw)
}

func (f *fakeTransport) mustReadSent(t *testing.T, wantType string, timeout time.Duration) v1.Envelope {
	t.Helper()
	select {
	case env := <-f.sent:
		if env.PayloadType != wantType {
			t.Fatalf("sent payloadType=%q want=%q", env.PayloadType, wantType)
		}
		return env
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for sent %s", wantType)
		return v1.Envelope{}
	}
}

func (f *fakeTransport) closeState() (calls int, code websocket.StatusCode, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls, f.closeCode, f.closeReason
}

// ---- dispatcher ----

type transmitCall struct {
	h    ConnectionHandle
	apdu []byte
}

type fakeDispatcher struct {
	mu sync.Mutex

	conHandle  ConnectionHandle
	cardHandle ConnectionHandle

	createErr  error
	didErr     error
	destroyErr error
	transmitFn func(apdu []byte) ([]byte, error)

	transmits []transmitCall
	destroyed []ConnectionHandle
	didCalls  int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		conHandle:  ConnectionHandle{ContextHandle: "ctx-1"},
		cardHandle: ConnectionHandle{ContextHandle: "ctx-1", SlotHandle: "slot-1", IFDName: "Virtual Reader"},
		transmitFn: func(_ []byte) ([]byte, error) { return []byte{0x90, 0x00}, nil },
	}
}

func (d *fakeDispatcher) CreateSession(_ context.Context) (ConnectionHandle, error) {
	if d.createErr != nil {
		return ConnectionHandle{}, d.createErr
	}
	return d.conHandle, nil
}

func (d *fakeDispatcher) DestroySession(_ context.Context, h ConnectionHandle) error {
	d.mu.Lock()
	d.destroyed = append(d.destroyed, h)
	d.mu.Unlock()
	return d.destroyErr
}

func (d *fakeDispatcher) DIDAuthenticate(_ context.Context, h ConnectionHandle, protocol string) (ConnectionHandle, error) {
	d.mu.Lock()
	d.didCalls++
	d.mu.Unlock()
	if d.didErr != nil {
		return ConnectionHandle{}, d.didErr
	}
	if h != d.conHandle || protocol != ProtocolID {
		return ConnectionHandle{}, errors.New("unexpected DIDAuthenticate request")
	}
	return d.cardHandle, nil
}

func (d *fakeDispatcher) Transmit(_ context.Context, h ConnectionHandle, apdu []byte) ([]byte, error) {
	d.mu.Lock()
	d.transmits = append(d.transmits, transmitCall{h: h, apdu: append([]byte(nil), apdu...)})
	fn := d.transmitFn
	d.mu.Unlock()
	return fn(apdu)
}

func (d *fakeDispatcher) transmitCalls() []transmitCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transmitCall(nil), d.transmits...)
}

func (d *fakeDispatcher) destroyedHandles() []ConnectionHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ConnectionHandle(nil), d.destroyed...)
}

// ---- reader / consent / recorder ----

type fakeReader struct {
	mu    sync.Mutex
	data  map[string][]byte
	errOn string
	order []string
}

func newFakeReader() *fakeReader {
	data := make(map[string][]byte, len(RegistrationDatasets))
	for i, name := range RegistrationDatasets {
		data[name] = append([]byte(name), byte(i))
	}
	return &fakeReader{data: data}
}

func (r *fakeReader) ReadDataset(_ context.Context, _ ConnectionHandle, name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	if name == r.errOn {
		return nil, errors.New("file not found")
	}
	b, ok := r.data[name]
	if !ok {
		return nil, errors.New("unknown data set")
	}
	return bytes.Clone(b), nil
}

type fakeConsent struct {
	outcome ConsentOutcome
	err     error
	panics  bool
	calls   int
}

func (c *fakeConsent) RunConsent(_ context.Context, _ ConnectionHandle) (ConsentOutcome, error) {
	c.calls++
	if c.panics {
		panic("gui thread terminated")
	}
	return c.outcome, c.err
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (r *fakeRecorder) RecordAttempt(_ context.Context, a Attempt) error {
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) all() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Attempt(nil), r.attempts...)
}
