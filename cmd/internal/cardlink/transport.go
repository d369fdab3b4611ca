package cardlink

import (
	"context"

	"github.com/coder/websocket"
)

// Listener receives transport events. Exactly one listener is attached per transport.
type Listener interface {
	OnOpen()
	OnClose(code websocket.StatusCode, reason string)
	OnError(err error)
	OnFrame(data []byte)
}

// Transport is a duplex text-frame stream to the CardLink service.
//
// The listener must be attached before Connect. OnClose is delivered exactly once,
// whether the peer or the local side closes.
type Transport interface {
	SetListener(l Listener) error
	Connect(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}
