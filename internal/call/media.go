package call

import (
	"context"
	"errors"
)

// ErrMediaPermission is returned by providers when microphone access is
// denied. The manager maps it to a failed call with a distinct reason.
var ErrMediaPermission = errors.New("media capture permission denied")

// Capture is an exclusively-owned local media device. At most one active
// call session holds one; a new call must not acquire until the previous
// session released.
type Capture interface {
	Release()
}

type MediaProvider interface {
	Acquire(ctx context.Context) (Capture, error)
}

// MediaTransport is the narrow port in front of the real peer-connection
// implementation. The signaling state machine is agnostic to what stands
// behind it.
type MediaTransport interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context) (sdp string, err error)
	SetRemoteDescription(kind, sdp string) error
	AddICECandidate(candidate string) error
	Close() error
}

// TransportCallbacks are invoked by the transport as connectivity
// candidates are discovered and when the media channel becomes usable.
type TransportCallbacks struct {
	OnCandidate func(candidate string)
	OnConnected func()
}

type TransportFactory func(capture Capture, cb TransportCallbacks) (MediaTransport, error)

// Ringer drives the local alert indication for an incoming call. Both
// methods must tolerate being called when not ringing.
type Ringer interface {
	StartRinging()
	StopRinging()
}
