package noise

import "errors"

var (
	ErrHandshakeFailed   = errors.New("noise: handshake failed")
	ErrFrameTooLarge     = errors.New("noise: frame exceeds maximum size")
	ErrPeerHashMismatch  = errors.New("noise: remote peer hash does not match expected value")
)
