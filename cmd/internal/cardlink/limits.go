package cardlink

import "time"

// Protocol waits. All waits are bounded and woken early by transport closure.
const (
	defaultAPDUWait        = 30 * time.Second
	defaultFinishWait      = 30 * time.Second
	defaultRegisterAckWait = 30 * time.Second
)

const (
	// Max inbound envelopes buffered per payload type.
	maxQueuedPerType = 256

	// Max bytes per websocket frame read (hard limit). RegisterEgk carries two
	// X.509 certificates, everything else is small.
	maxFrameBytes = 256 << 10 // 256 KiB

	// Inbound frame flood guard. A full registration plus a few hundred APDUs
	// stays well below this.
	inboundFrameLimit  = 512
	inboundFrameWindow = 10 * time.Second
)

const (
	wsDefaultDialTimeout      = 15 * time.Second
	wsDefaultWriteTimeout     = 5 * time.Second
	wsDefaultHeartbeatEvery   = 25 * time.Second
	wsDefaultHeartbeatTimeout = 5 * time.Second
	wsMaxPingFailures         = 3
	wsCloseGrace              = 1 * time.Second
)
