package dht

import "errors"

var (
	ErrNoContacts    = errors.New("dht: routing table has no contacts to query")
	ErrBadToken      = errors.New("dht: announce_peer token invalid or expired")
	ErrLookupTimeout = errors.New("dht: lookup did not converge before context cancellation")
	ErrBadAddress    = errors.New("dht: malformed peer address")
)
