package mesh

import "errors"

var (
	ErrNoSession      = errors.New("mesh: no session for peer")
	ErrPayloadTooLarge = errors.New("mesh: payload exceeds the Noise plaintext ceiling")
	ErrUnexpectedFrame = errors.New("mesh: unexpected frame type")
)
