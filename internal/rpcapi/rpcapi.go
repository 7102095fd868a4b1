// Package rpcapi implements the three handlers spec.md §4.5 names:
// RemoteProxy.Hello, RemoteProxy.Introspect, and Authentication.Authenticate,
// plus the Authentication.TunnelEstablished notification the engine sends
// when it pairs two clients. It depends only on internal/rpc, internal/session and
// internal/authn — the registry/pairing logic itself lives in
// internal/registry and internal/engine, reached here only through the
// Dependencies callbacks.
package rpcapi

import (
	"context"
	"time"

	"github.com/nymea-community/remoteproxy/internal/authn"
	"github.com/nymea-community/remoteproxy/internal/rpc"
	"github.com/nymea-community/remoteproxy/internal/session"
)

// Notifications declares the schema of every notification this package (or
// the engine, through SendTunnelEstablished) sends, so RemoteProxy.Introspect can describe
// them (spec.md §4.4 "Introspection").
var Notifications = map[string]rpc.Schema{
	"Authentication.TunnelEstablished": {Params: map[string]rpc.ParamSpec{
		"clientName": {Type: rpc.TypeString},
		"clientUuid": {Type: rpc.TypeString},
	}},
}

// Dependencies wires the handlers to the engine without the handlers
// importing internal/engine or internal/registry directly.
type Dependencies struct {
	// Post schedules fn to run on the engine executor goroutine (spec.md
	// §5). Authenticator replies arrive on arbitrary goroutines and must be
	// marshalled through Post before touching *session.Client fields.
	Post func(fn func())

	Authenticator authn.Authenticator

	ServerSoftware string
	ServerName     string
	Version        string
	APIVersion     string

	// OnAuthenticateSuccess is invoked, already on the engine executor,
	// after a client transitions to Authenticated — the engine uses it to
	// insert the client into the registry and attempt pairing (spec.md
	// §4.6).
	OnAuthenticateSuccess func(c *session.Client)
}

// SendTunnelEstablished notifies c that it has been paired with a peer
// described by peerName/peerUUID (spec.md §4.5, §4.6 step 3).
func SendTunnelEstablished(c *session.Client, peerName, peerUUID string) error {
	return rpc.Notify(c, "Authentication.TunnelEstablished", map[string]interface{}{
		"clientName": peerName,
		"clientUuid": peerUUID,
	})
}

// authenticationError renders the wire enum named in spec.md §6. The engine
// distinguishes five internal authn.FailureReason values plus success;
// the wire only ever names five authenticationError strings, following the
// nymea convention of prefixing every enum value with its type name.
func authenticationError(reason authn.FailureReason, ok bool) string {
	if ok {
		return "AuthenticationErrorNoError"
	}
	switch reason {
	case authn.AuthServerNotResponding:
		return "AuthenticationErrorAuthenticationServerNotResponding"
	case authn.Aborted:
		return "AuthenticationErrorProxyError"
	case authn.Unknown:
		return "AuthenticationErrorUnknown"
	case authn.BadToken, authn.Unauthorized:
		fallthrough
	default:
		return "AuthenticationErrorAuthenticationError"
	}
}

// Register installs RemoteProxy.Hello, RemoteProxy.Introspect and
// Authentication.Authenticate on d.
func Register(d *rpc.Dispatcher, deps Dependencies) {
	d.RegisterNamespace("RemoteProxy", rpc.Namespace{
		Methods: map[string]rpc.Method{
			"Hello": {
				Handler: func(c *session.Client, params map[string]interface{}, reply func(rpc.Result, error)) {
					reply(rpc.Result{Params: map[string]interface{}{
						"server":     deps.ServerSoftware,
						"name":       deps.ServerName,
						"version":    deps.Version,
						"apiVersion": deps.APIVersion,
					}}, nil)
				},
			},
			"Introspect": {
				Handler: func(c *session.Client, params map[string]interface{}, reply func(rpc.Result, error)) {
					reply(rpc.Result{Params: d.Describe(Notifications)}, nil)
				},
			},
		},
	})

	d.RegisterNamespace("Authentication", rpc.Namespace{
		Methods: map[string]rpc.Method{
			"Authenticate": {
				Schema: rpc.Schema{Params: map[string]rpc.ParamSpec{
					"uuid":  {Type: rpc.TypeString},
					"name":  {Type: rpc.TypeString},
					"token": {Type: rpc.TypeString},
					"nonce": {Type: rpc.TypeString},
				}},
				Handler: func(c *session.Client, params map[string]interface{}, reply func(rpc.Result, error)) {
					handleAuthenticate(deps, c, params, reply)
				},
			},
		},
	})
}

func handleAuthenticate(deps Dependencies, c *session.Client, params map[string]interface{}, reply func(rpc.Result, error)) {
	if c.State != session.Connected {
		reply(rpc.Result{}, rpc.NewError(rpc.CodeHandlerFailure, "Authentication already done"))
		return
	}

	req := authn.Request{
		Token:       params["token"].(string),
		Nonce:       params["nonce"].(string),
		ClientName:  params["name"].(string),
		ClientUUID:  params["uuid"].(string),
		PeerAddress: authn.PeerAddress{Host: c.PeerHost, Port: c.PeerPort},
	}

	c.State = session.Authenticating

	deps.Authenticator.Authenticate(context.Background(), req, func(rep authn.Reply) {
		deps.Post(func() {
			if c.State != session.Authenticating {
				// Disconnected (or already handled) in the meantime; the
				// dispatcher's own pending-call table independently
				// discards this reply, but skip mutating a dead client too.
				return
			}

			if !rep.Ok() {
				reply(rpc.Result{Params: map[string]interface{}{
					"authenticationError": authenticationError(rep.Failure, false),
				}}, nil)
				// Posted behind the reply so the response is sent first.
				deps.Post(func() { c.Transport.Kill(c.ID, "Authentication failed: "+string(rep.Failure)) })
				return
			}

			c.UserID = rep.UserID()
			c.Nonce = req.Nonce
			c.Token = req.Token
			c.ClientUUID = req.ClientUUID
			c.ClientName = req.ClientName
			c.State = session.Authenticated
			c.AuthenticatedAt = time.Now()
			c.DisarmInactivityTimer()

			reply(rpc.Result{Params: map[string]interface{}{
				"authenticationError": authenticationError("", true),
			}}, nil)

			if deps.OnAuthenticateSuccess != nil {
				deps.OnAuthenticateSuccess(c)
			}
		})
	})
}
