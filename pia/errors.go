package pia

import "errors"

var (
	// ErrDirectoryUnavailable is returned when the server list cannot be fetched or parsed.
	ErrDirectoryUnavailable = errors.New("server list unavailable")
	// ErrUnknownRegion is returned when a region id is not in the server list.
	ErrUnknownRegion = errors.New("unknown region")
	// ErrAuthenticationFailed is returned when the metadata server refuses to issue a token.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrKeyRegistrationFailed is returned when the gateway rejects the key or the token.
	ErrKeyRegistrationFailed = errors.New("key registration failed")
)
