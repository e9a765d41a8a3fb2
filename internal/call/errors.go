package call

import "errors"

var (
	ErrMediaAccessDenied     = errors.New("media access denied")
	ErrAlreadyInCall         = errors.New("already in a call")
	ErrNoActiveSession       = errors.New("no active session")
	ErrNoPendingOffer        = errors.New("no pending offer")
	ErrUnroutableSignal      = errors.New("unroutable signal")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrRemoteRejected        = errors.New("remote rejected the call")
	ErrRemoteUnavailable     = errors.New("remote unavailable")
)
