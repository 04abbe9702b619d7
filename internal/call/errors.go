package call

import "errors"

// Sentinel errors for domain precondition violations.
var (
	ErrAlreadyHaveChannel = errors.New("already have a channel")
	ErrNoChannel          = errors.New("no channel")
	ErrPeerExists         = errors.New("peer already exists")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrMeshWithoutSelf    = errors.New("mesh without self")
)
