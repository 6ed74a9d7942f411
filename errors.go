package vpntunnel

import (
	"errors"

	"vpntunnel/tunnel"
)

// ErrCookieExpired is returned by Dialer.Connect when the cookie was
// already passed to an earlier Connect on the same Dialer: the core never
// silently re-authenticates a spent cookie.
var ErrCookieExpired = errors.New("vpntunnel: cookie already used by a prior session")

// Re-exported fatal error kinds from package tunnel, so callers can
// errors.Is against a single import, per spec.md §7.
var (
	ErrTransportFailed = tunnel.ErrTransportFailed
	ErrPPPTimeout      = tunnel.ErrPPPTimeout
	ErrHelperFailed    = tunnel.ErrHelperFailed
	ErrCancelled       = tunnel.ErrCancelled
)
