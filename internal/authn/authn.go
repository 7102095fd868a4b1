// Package authn defines the external authenticator contract used by the
// engine to validate a client's (token, nonce) pair, plus two concrete
// implementations: a remote HTTPS identity provider and an in-memory mock.
package authn

import "context"

// FailureReason enumerates why Authenticate failed, matching spec.md §4.1.
type FailureReason string

const (
	BadToken               FailureReason = "BadToken"
	Unauthorized           FailureReason = "Unauthorized"
	Unknown                FailureReason = "Unknown"
	AuthServerNotResponding FailureReason = "AuthServerNotResponding"
	Aborted                FailureReason = "Aborted"
)

// Reply is the tagged-variant result of an authentication attempt. Exactly
// one of (userID set, Failure != "") holds: Ok() reports which.
type Reply struct {
	userID  string
	success bool
	Failure FailureReason
}

// Success builds a successful Reply carrying the authenticated user id.
func Success(userID string) Reply {
	return Reply{userID: userID, success: true}
}

// Fail builds a failed Reply carrying the given reason.
func Fail(reason FailureReason) Reply {
	return Reply{success: false, Failure: reason}
}

// Ok reports whether the reply represents a successful authentication.
func (r Reply) Ok() bool { return r.success }

// UserID returns the authenticated user id. Only meaningful when Ok().
func (r Reply) UserID() string { return r.userID }

// PeerAddress is a minimal host/port pair, independent of net.Addr so callers
// never need to reason about TCPAddr vs UDPAddr vs the WS transport's own
// request metadata.
type PeerAddress struct {
	Host string
	Port int
}

// Request carries everything the identity provider needs to evaluate a
// client's presented credentials.
type Request struct {
	Token       string
	Nonce       string
	ClientName  string
	ClientUUID  string
	PeerAddress PeerAddress
}

// Authenticator validates a client's credentials asynchronously. A single
// instance is shared across all sessions and MUST be safe for concurrent use.
//
// Authenticate must eventually invoke the supplied callback exactly once,
// even if the caller's connection has since been torn down — the engine is
// responsible for discarding replies that arrive after disconnect, per
// spec.md §5 ("Cancellation").
type Authenticator interface {
	Authenticate(ctx context.Context, req Request, callback func(Reply))
}
