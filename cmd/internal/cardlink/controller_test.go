package cardlink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	v1 "cardlink/shared/contracts/cardlink/v1"

	"github.com/coder/websocket"
)

type controllerFixture struct {
	tr       *fakeTransport
	disp     *fakeDispatcher
	reader   *fakeReader
	consent  *fakeConsent
	recorder *fakeRecorder
	ctrl     *Controller
}

func testConfig() Config {
	return Config{
		APDUWait:        50 * time.Millisecond,
		FinishWait:      2 * time.Second,
		RegisterAckWait: 2 * time.Second,
	}
}

func newControllerFixture(t *testing.T, cfg Config, mutate func(*controllerFixture)) *controllerFixture {
	t.Helper()

	f := &controllerFixture{
		tr:       newFakeTransport(),
		disp:     newFakeDispatcher(),
		reader:   newFakeReader(),
		consent:  &fakeConsent{outcome: ConsentOK},
		recorder: &fakeRecorder{},
	}
	if mutate != nil {
		mutate(f)
	}

	ctrl, err := NewController(testLogger(), Deps{
		Dispatcher: f.disp,
		Reader:     f.reader,
		Consent:    f.consent,
		Transport:  f.tr,
		Recorder:   f.recorder,
	}, cfg)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	f.ctrl = ctrl
	return f
}

func (f *controllerFixture) runAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.ctrl.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

// register acknowledges RegisterEgk with Ready and returns the card session id.
func (f *controllerFixture) register(t *testing.T) string {
	t.Helper()
	env := f.tr.mustReadSent(t, v1.TypeRegisterEgk, 5*time.Second)
	f.tr.deliver(t, &v1.Ready{}, env.CardSessionID, "corr-ready")
	return env.CardSessionID
}

func TestController_RelaysAPDUAndFinishes(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), nil)
	done := f.runAsync(context.Background())

	f.register(t)

	f.tr.deliver(t, &v1.SendApdu{APDU: []byte{0x00, 0xa4, 0x04, 0x0c}}, "abc-123", "corr-1")

	resp := f.tr.mustReadSent(t, v1.TypeSendApduResponse, 5*time.Second)
	if resp.CardSessionID != "abc-123" || resp.CorrelationID != "corr-1" {
		t.Fatalf("response ids=(%q,%q) want (abc-123,corr-1)", resp.CardSessionID, resp.CorrelationID)
	}
	p, err := resp.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	sar, ok := p.(*v1.SendApduResponse)
	if !ok {
		t.Fatalf("payload=%T want *v1.SendApduResponse", p)
	}
	if !bytes.Equal(sar.APDU, []byte{0x90, 0x00}) || sar.CardSessionID != "abc-123" {
		t.Fatalf("payload=%+v", sar)
	}

	f.tr.deliver(t, &v1.RegisterEgkFinish{RemoveCardSession: true}, "abc-123", "corr-1")

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := f.disp.transmitCalls()
	if len(calls) != 1 {
		t.Fatalf("transmits=%d want 1", len(calls))
	}
	if calls[0].h != f.disp.cardHandle || !bytes.Equal(calls[0].apdu, []byte{0x00, 0xa4, 0x04, 0x0c}) {
		t.Fatalf("transmit=%+v", calls[0])
	}

	destroyed := f.disp.destroyedHandles()
	if len(destroyed) != 1 || destroyed[0] != f.disp.cardHandle {
		t.Fatalf("destroyed=%v want [%v]", destroyed, f.disp.cardHandle)
	}

	calls2, code, reason := f.tr.closeState()
	if calls2 != 1 || code != websocket.StatusNormalClosure || reason != "" {
		t.Fatalf("close=(%d,%v,%q) want one normal closure", calls2, code, reason)
	}

	sess := f.ctrl.Session()
	if sess.State() != StateFinished || sess.APDUCount() != 1 {
		t.Fatalf("session state=%s apdus=%d", sess.State(), sess.APDUCount())
	}

	attempts := f.recorder.all()
	if len(attempts) != 1 {
		t.Fatalf("attempts=%d want 1", len(attempts))
	}
	a := attempts[0]
	if a.SessionID != sess.ID || a.Err != nil || a.APDUCount != 1 || a.State != StateFinished {
		t.Fatalf("attempt=%+v", a)
	}
	if a.CorrelationID != "corr-ready" || a.CardFingerprint == "" {
		t.Fatalf("attempt ids=(%q,%q)", a.CorrelationID, a.CardFingerprint)
	}
}

func TestController_MultipleAPDUsInOrder(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), func(f *controllerFixture) {
		f.disp.transmitFn = func(apdu []byte) ([]byte, error) {
			return append([]byte{apdu[len(apdu)-1]}, 0x90, 0x00), nil
		}
	})
	done := f.runAsync(context.Background())

	csid := f.register(t)

	for i := byte(1); i <= 3; i++ {
		f.tr.deliver(t, &v1.SendApdu{APDU: []byte{0x00, 0xb0, 0x00, i}}, csid, "corr")
	}
	for i := byte(1); i <= 3; i++ {
		resp := f.tr.mustReadSent(t, v1.TypeSendApduResponse, 5*time.Second)
		p, err := resp.DecodePayload()
		if err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if got := p.(*v1.SendApduResponse).APDU[0]; got != i {
			t.Fatalf("response %d answered command %d", i, got)
		}
	}

	f.tr.deliver(t, &v1.RegisterEgkFinish{}, csid, "corr")
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(f.disp.transmitCalls()); n != 3 {
		t.Fatalf("transmits=%d want 3", n)
	}
}

func TestController_SkipsEnvelopeWithoutIDs(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), nil)
	done := f.runAsync(context.Background())

	csid := f.register(t)

	f.tr.deliver(t, &v1.SendApdu{APDU: []byte{0x00, 0xa4}}, csid, "")
	f.tr.deliver(t, &v1.SendApdu{APDU: []byte{0x00, 0xa4}}, "", "corr")
	f.tr.deliver(t, &v1.SendApdu{APDU: []byte{0x00, 0xb0}}, csid, "corr-ok")

	resp := f.tr.mustReadSent(t, v1.TypeSendApduResponse, 5*time.Second)
	if resp.CorrelationID != "corr-ok" {
		t.Fatalf("response correlation=%q want corr-ok", resp.CorrelationID)
	}

	f.tr.deliver(t, &v1.RegisterEgkFinish{}, csid, "corr-ok")
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := f.disp.transmitCalls()
	if len(calls) != 1 || !bytes.Equal(calls[0].apdu, []byte{0x00, 0xb0}) {
		t.Fatalf("transmits=%+v want only the well-formed command", calls)
	}
}

func TestController_SkipsUndecodableSendApdu(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), nil)
	done := f.runAsync(context.Background())

	csid := f.register(t)

	f.tr.deliverEnvelope(t, v1.Envelope{
		PayloadType:   v1.TypeSendApdu,
		CardSessionID: csid,
		CorrelationID: "corr-bad",
		Payload:       []byte(`{"apdu":"***"}`),
	})
	f.tr.deliver(t, &v1.SendApdu{APDU: []byte{0x00, 0xb0, 0x81, 0x00, 0x00}}, csid, "corr-ok")

	resp := f.tr.mustReadSent(t, v1.TypeSendApduResponse, 5*time.Second)
	if resp.CorrelationID != "corr-ok" {
		t.Fatalf("response correlation=%q want corr-ok", resp.CorrelationID)
	}

	f.tr.deliver(t, &v1.RegisterEgkFinish{}, csid, "corr-ok")
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls := f.disp.transmitCalls(); len(calls) != 1 {
		t.Fatalf("transmits=%d want 1", len(calls))
	}
	select {
	case env := <-f.tr.sent:
		t.Fatalf("unexpected extra message %s", env.PayloadType)
	default:
	}
}

func TestController_FinishWithoutAPDUs(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), nil)
	done := f.runAsync(context.Background())

	env := f.tr.mustReadSent(t, v1.TypeRegisterEgk, 5*time.Second)
	// A finish right away doubles as the registration acknowledgement.
	f.tr.deliver(t, &v1.RegisterEgkFinish{RemoveCardSession: true}, env.CardSessionID, "corr-f")

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(f.disp.transmitCalls()); n != 0 {
		t.Fatalf("transmits=%d want 0", n)
	}
	if got := f.ctrl.Session().CorrelationID(); got != "corr-f" {
		t.Fatalf("correlation=%q want corr-f", got)
	}
}

func TestController_TransportClosedBeforeFinish(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), nil)
	done := f.runAsync(context.Background())

	csid := f.register(t)
	f.tr.deliver(t, &v1.SendApdu{APDU: []byte{0x00, 0xa4}}, csid, "corr-1")
	f.tr.mustReadSent(t, v1.TypeSendApduResponse, 5*time.Second)

	f.tr.peerClose(websocket.StatusGoingAway)

	err := waitRun(t, done)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Run err=%v want ErrTransportClosed", err)
	}
	if !strings.Contains(err.Error(), `code=1001 reason="peer"`) {
		t.Fatalf("Run err=%v does not carry the peer close status", err)
	}
	if n := len(f.disp.destroyedHandles()); n != 1 {
		t.Fatalf("DestroySession calls=%d want 1", n)
	}
	if f.ctrl.Session().State() != StateFailed {
		t.Fatalf("state=%s want failed", f.ctrl.Session().State())
	}
	if a := f.recorder.all(); len(a) != 1 || !errors.Is(a[0].Err, ErrTransportClosed) {
		t.Fatalf("attempts=%+v", a)
	}
}

func TestController_FinishQueuedBeforeCloseSucceeds(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), nil)
	done := f.runAsync(context.Background())

	csid := f.register(t)
	f.tr.deliver(t, &v1.RegisterEgkFinish{}, csid, "corr")
	f.tr.peerClose(websocket.StatusNormalClosure)

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestController_TransmitFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), func(f *controllerFixture) {
		f.disp.transmitFn = func(_ []byte) ([]byte, error) { return nil, errors.New("card removed") }
	})
	done := f.runAsync(context.Background())

	csid := f.register(t)
	f.tr.deliver(t, &v1.SendApdu{APDU: []byte{0x00, 0xa4}}, csid, "corr-1")
	f.tr.deliver(t, &v1.SendApdu{APDU: []byte{0x00, 0xb0}}, csid, "corr-2")

	err := waitRun(t, done)
	if !errors.Is(err, ErrTransmit) {
		t.Fatalf("Run err=%v want ErrTransmit", err)
	}
	if n := len(f.disp.transmitCalls()); n != 1 {
		t.Fatalf("transmits=%d want 1 (no retry, no further commands)", n)
	}
	select {
	case env := <-f.tr.sent:
		t.Fatalf("unexpected %s after transmit failure", env.PayloadType)
	default:
	}
	if _, code, _ := f.tr.closeState(); code != websocket.StatusInternalError {
		t.Fatalf("close code=%v want %v", code, websocket.StatusInternalError)
	}
	if n := len(f.disp.destroyedHandles()); n != 1 {
		t.Fatalf("DestroySession calls=%d want 1", n)
	}
}

func TestController_ConsentDeclined(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), func(f *controllerFixture) {
		f.consent.outcome = ConsentDeclined
	})

	err := f.ctrl.Run(context.Background())
	if !errors.Is(err, ErrConsentDeclined) {
		t.Fatalf("Run err=%v want ErrConsentDeclined", err)
	}
	select {
	case env := <-f.tr.sent:
		t.Fatalf("sent %s after consent was declined", env.PayloadType)
	default:
	}
	if _, code, reason := f.tr.closeState(); code != websocket.StatusNormalClosure || reason == "" {
		t.Fatalf("close=(%v,%q) want normal closure with reason", code, reason)
	}
	if n := len(f.disp.destroyedHandles()); n != 1 {
		t.Fatalf("DestroySession calls=%d want 1", n)
	}
}

func TestController_DispatcherFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*controllerFixture)
		wantDestroy int
		wantClose   int
	}{
		{
			name:        "create session",
			mutate:      func(f *controllerFixture) { f.disp.createErr = errors.New("no reader") },
			wantDestroy: 0,
			wantClose:   0,
		},
		{
			name:        "did authenticate",
			mutate:      func(f *controllerFixture) { f.disp.didErr = errors.New("no card") },
			wantDestroy: 1,
			wantClose:   1,
		},
		{
			name: "zero card handle",
			mutate: func(f *controllerFixture) {
				f.disp.cardHandle = ConnectionHandle{}
			},
			wantDestroy: 1,
			wantClose:   1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newControllerFixture(t, testConfig(), tc.mutate)
			err := f.ctrl.Run(context.Background())
			if !errors.Is(err, ErrSessionFault) {
				t.Fatalf("Run err=%v want ErrSessionFault", err)
			}
			if n := len(f.disp.destroyedHandles()); n != tc.wantDestroy {
				t.Fatalf("DestroySession calls=%d want %d", n, tc.wantDestroy)
			}
			if calls, _, _ := f.tr.closeState(); calls != tc.wantClose {
				t.Fatalf("Close calls=%d want %d", calls, tc.wantClose)
			}
			if a := f.recorder.all(); len(a) != 1 || a[0].State != StateFailed {
				t.Fatalf("attempts=%+v", a)
			}
		})
	}
}

func TestController_ConnectFailure(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), func(f *controllerFixture) {
		f.tr.connectErr = errors.New("dial refused")
	})

	err := f.ctrl.Run(context.Background())
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Run err=%v want ErrTransportClosed", err)
	}
	if n := len(f.disp.destroyedHandles()); n != 1 {
		t.Fatalf("DestroySession calls=%d want 1", n)
	}
}

func TestController_RegisterAckTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RegisterAckWait = 80 * time.Millisecond
	f := newControllerFixture(t, cfg, nil)

	err := f.ctrl.Run(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run err=%v want ErrTimeout", err)
	}
	if _, code, _ := f.tr.closeState(); code != websocket.StatusGoingAway {
		t.Fatalf("close code=%v want %v", code, websocket.StatusGoingAway)
	}
}

func TestController_ContextCancelledDuringRelay(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.runAsync(ctx)

	f.register(t)
	cancel()

	err := waitRun(t, done)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v want context.Canceled", err)
	}
	if n := len(f.disp.destroyedHandles()); n != 1 {
		t.Fatalf("DestroySession calls=%d want 1", n)
	}
}

func TestController_DestroyErrorDoesNotFailSession(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), func(f *controllerFixture) {
		f.disp.destroyErr = errors.New("already gone")
	})
	done := f.runAsync(context.Background())

	csid := f.register(t)
	f.tr.deliver(t, &v1.RegisterEgkFinish{}, csid, "c")

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestController_RunOnce(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, testConfig(), func(f *controllerFixture) {
		f.consent.outcome = ConsentCancelled
	})

	if err := f.ctrl.Run(context.Background()); !errors.Is(err, ErrConsentCancelled) {
		t.Fatalf("first Run err=%v", err)
	}
	if err := f.ctrl.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run err=%v want ErrAlreadyRun", err)
	}
}

func TestNewController_RequiresDeps(t *testing.T) {
	t.Parallel()

	full := Deps{
		Dispatcher: newFakeDispatcher(),
		Reader:     newFakeReader(),
		Consent:    &fakeConsent{},
		Transport:  newFakeTransport(),
	}

	tests := []struct {
		name string
		drop func(*Deps)
	}{
		{"dispatcher", func(d *Deps) { d.Dispatcher = nil }},
		{"reader", func(d *Deps) { d.Reader = nil }},
		{"consent", func(d *Deps) { d.Consent = nil }},
		{"transport", func(d *Deps) { d.Transport = nil }},
	}
	for _, tc := range tests {
		deps := full
		tc.drop(&deps)
		if _, err := NewController(testLogger(), deps, Config{}); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	if _, err := NewController(nil, full, Config{}); err != nil {
		t.Fatalf("recorder must be optional: %v", err)
	}
}

func TestCloseStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want websocket.StatusCode
	}{
		{ErrConsentDeclined, websocket.StatusNormalClosure},
		{ErrConsentCancelled, websocket.StatusNormalClosure},
		{ErrTimeout, websocket.StatusGoingAway},
		{ErrTransportClosed, websocket.StatusGoingAway},
		{context.Canceled, websocket.StatusGoingAway},
		{ErrTransmit, websocket.StatusInternalError},
		{dispatchErr("Transmit", errors.New("x")), websocket.StatusInternalError},
	}
	for _, tc := range tests {
		if got, _ := closeStatusFor(tc.err); got != tc.want {
			t.Fatalf("closeStatusFor(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}
