package call

import (
	"context"

	"github.com/slasso10/chat-multiple/internal/models"
)

// Media is the platform capability that owns microphones, cameras and peer
// connections. The negotiator never looks inside descriptions or
// candidates; they are opaque strings produced and consumed here.
type Media interface {
	// Acquire opens local capture devices. Failures must wrap
	// ErrMediaAccessDenied.
	Acquire(ctx context.Context, opts models.MediaOptions) (LocalStream, error)
	NewSession(ctx context.Context, stream LocalStream, hooks SessionHooks) (PeerSession, error)
}

// LocalStream is exclusively owned by one call session.
type LocalStream interface {
	// Release stops capture. It must be safe to call more than once.
	Release()
	SetMuted(muted bool)
	Muted() bool
}

type PeerSession interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, sdp string) error
	AddICECandidate(ctx context.Context, candidate string) error
	Close() error
}

// SessionHooks are invoked from media goroutines.
type SessionHooks struct {
	OnLocalCandidate   func(candidate string)
	OnConnectivityLost func()
}

// Observer receives call state changes. Implementations must not call back
// into the negotiator synchronously.
type Observer interface {
	OnCallStateChange(event models.CallEvent, info models.SessionInfo)
}

type ObserverFunc func(event models.CallEvent, info models.SessionInfo)

func (f ObserverFunc) OnCallStateChange(event models.CallEvent, info models.SessionInfo) {
	f(event, info)
}
