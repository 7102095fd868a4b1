package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nymea-community/remoteproxy/internal/session"
)

// ParamType is the basic shape a declared parameter or return value may
// take, matching spec.md §4.4's "basic type or enum" schema.
type ParamType int

const (
	TypeString ParamType = iota
	TypeInt
	TypeBool
	TypeEnum
)

// ParamSpec describes one named parameter: its basic type, and — for
// TypeEnum — the values it may take.
type ParamSpec struct {
	Type   ParamType
	Values []string // only consulted when Type == TypeEnum
}

// Schema is the declared parameter set for a method or notification,
// consulted both for request validation (spec.md §4.4 rule 5) and for
// RemoteProxy.Introspect's self-description (spec.md §4.4 "Introspection").
type Schema struct {
	Params map[string]ParamSpec
}

// Result is what a handler passes back through its reply callback on
// success: the params map sent back to the client.
type Result struct {
	Params map[string]interface{}
}

// HandlerFunc implements one RPC method. It MUST call reply exactly once,
// synchronously or from another goroutine — the dispatcher treats both
// identically by marshalling the reply back onto the engine executor before
// touching the client (spec.md §5). Passing a non-nil error that is not
// itself an *Error sends err.Error() verbatim as the wire error string.
type HandlerFunc func(c *session.Client, params map[string]interface{}, reply func(Result, error))

// Method pairs a handler with the schema used to validate its inbound
// params.
type Method struct {
	Schema  Schema
	Handler HandlerFunc
}

// Namespace groups methods under the "Namespace.Method" wire convention.
type Namespace struct {
	Methods map[string]Method
}

type callKey struct {
	clientID string
	id       int
}

type pendingCall struct {
	timer *time.Timer
}

// Dispatcher implements the dispatch rules of spec.md §4.4. A Dispatcher is
// owned by exactly one engine executor goroutine: every exported method here
// assumes it runs there, and Post is used only to marshal timer/async
// callbacks back onto it. No internal locking is needed as a result.
type Dispatcher struct {
	namespaces  map[string]Namespace
	callTimeout time.Duration
	post        func(func())
	onTimeout   func(clientID string, id int)

	pending map[callKey]*pendingCall
}

// New builds a Dispatcher. post must schedule fn to run on the engine
// executor goroutine (spec.md §5); callTimeout is the default async call
// timeout (spec.md §4.4 rule 6, default 10s).
func New(callTimeout time.Duration, post func(func())) *Dispatcher {
	return &Dispatcher{
		namespaces:  make(map[string]Namespace),
		callTimeout: callTimeout,
		post:        post,
		pending:     make(map[callKey]*pendingCall),
	}
}

// RegisterNamespace installs or replaces the methods available under name.
func (d *Dispatcher) RegisterNamespace(name string, ns Namespace) {
	d.namespaces[name] = ns
}

// Describe builds the introspection document returned by
// RemoteProxy.Introspect (spec.md §4.4, §6). It is not validated against any
// returns schema, since it describes the validator itself.
func (d *Dispatcher) Describe(notifications map[string]Schema) map[string]interface{} {
	methods := make(map[string]interface{})
	for nsName, ns := range d.namespaces {
		for methodName, m := range ns.Methods {
			params := make(map[string]string)
			for pName, spec := range m.Schema.Params {
				params[pName] = paramTypeName(spec)
			}
			methods[nsName+"."+methodName] = map[string]interface{}{"params": params}
		}
	}

	notifs := make(map[string]interface{})
	for name, schema := range notifications {
		params := make(map[string]string)
		for pName, spec := range schema.Params {
			params[pName] = paramTypeName(spec)
		}
		notifs[name] = map[string]interface{}{"params": params}
	}

	return map[string]interface{}{
		"methods":       methods,
		"types":         map[string]interface{}{},
		"notifications": notifs,
	}
}

func paramTypeName(spec ParamSpec) string {
	switch spec.Type {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeEnum:
		return "enum(" + strings.Join(spec.Values, "|") + ")"
	default:
		return "unknown"
	}
}

// Dispatch parses and routes one inbound frame, implementing spec.md §4.4's
// seven dispatch rules in order. It must be called with c's JSON-RPC frame
// only — relay-mode bytes bypass Dispatch entirely (spec.md I5).
func (d *Dispatcher) Dispatch(c *session.Client, raw []byte) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.failAndKill(c, -1, fmt.Sprintf("Failed to parse JSON data: %v", err))
		return
	}

	idRaw, ok := msg["id"]
	var id int
	if !ok || json.Unmarshal(idRaw, &id) != nil {
		d.failAndKill(c, -1, "Error parsing command. Missing 'id'")
		return
	}

	var method string
	if methodRaw, ok := msg["method"]; !ok || json.Unmarshal(methodRaw, &method) != nil {
		d.failAndKill(c, id, "Error parsing command. Missing 'method'")
		return
	}

	parts := strings.Split(method, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		d.failAndKill(c, id, "Error parsing command. Invalid method")
		return
	}
	namespace, methodName := parts[0], parts[1]

	ns, ok := d.namespaces[namespace]
	if !ok {
		d.failAndKill(c, id, "No such namespace")
		return
	}
	m, ok := ns.Methods[methodName]
	if !ok {
		d.failAndKill(c, id, "No such namespace")
		return
	}

	var rawParams map[string]json.RawMessage
	if paramsRaw, ok := msg["params"]; ok {
		if err := json.Unmarshal(paramsRaw, &rawParams); err != nil {
			d.failAndKill(c, id, fmt.Sprintf("Invalid params: %v", err))
			return
		}
	}
	params, err := validateParams(m.Schema.Params, rawParams)
	if err != nil {
		d.failAndKill(c, id, fmt.Sprintf("Invalid params: %v", err))
		return
	}

	d.invoke(c, id, m, params)
}

func validateParams(schema map[string]ParamSpec, raw map[string]json.RawMessage) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(schema))
	for name, spec := range schema {
		v, ok := raw[name]
		if !ok {
			return nil, fmt.Errorf("missing required param %q", name)
		}
		switch spec.Type {
		case TypeString, TypeEnum:
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("param %q must be a string", name)
			}
			if spec.Type == TypeEnum && !contains(spec.Values, s) {
				return nil, fmt.Errorf("param %q must be one of %v", name, spec.Values)
			}
			out[name] = s
		case TypeInt:
			var n int
			if err := json.Unmarshal(v, &n); err != nil {
				return nil, fmt.Errorf("param %q must be an int", name)
			}
			out[name] = n
		case TypeBool:
			var b bool
			if err := json.Unmarshal(v, &b); err != nil {
				return nil, fmt.Errorf("param %q must be a bool", name)
			}
			out[name] = b
		}
	}
	return out, nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// invoke arms the call timeout and runs the handler, implementing spec.md
// §4.4 rule 6. Both synchronous and asynchronous handlers reply through the
// same callback; either way the reply is marshalled back onto the engine
// executor via Post before it touches client state.
func (d *Dispatcher) invoke(c *session.Client, id int, m Method, params map[string]interface{}) {
	c.RequestCounter++
	key := callKey{clientID: c.ID, id: id}
	pc := &pendingCall{}
	pc.timer = time.AfterFunc(d.callTimeout, func() {
		d.post(func() { d.handleTimeout(key) })
	})
	d.pending[key] = pc

	reply := func(res Result, err error) {
		d.post(func() { d.handleReply(c, key, res, err) })
	}
	m.Handler(c, params, reply)
}

func (d *Dispatcher) handleReply(c *session.Client, key callKey, res Result, err error) {
	pc, ok := d.pending[key]
	if !ok {
		// Timed out already, or the client disconnected and DiscardClient
		// already dropped this entry (spec.md §5, "Cancellation").
		return
	}
	pc.timer.Stop()
	delete(d.pending, key)

	if err != nil {
		message := err.Error()
		if rpcErr, ok := err.(*Error); ok {
			message = rpcErr.Message
		}
		d.failAndKill(c, key.id, message)
		return
	}

	d.sendSuccess(c, key.id, res.Params)
}

func (d *Dispatcher) handleTimeout(key callKey) {
	pc, ok := d.pending[key]
	if !ok {
		return
	}
	delete(d.pending, key)
	pc.timer.Stop()
	// The client reference isn't available here by design — DiscardClient
	// removes pending entries on disconnect, so a firing timer always means
	// the client is still live; the caller looks it up by id via the hook
	// registered with OnTimeout.
	if d.onTimeout != nil {
		d.onTimeout(key.clientID, key.id)
	}
}

// OnTimeout registers the callback invoked when a call times out, given the
// originating client id and request id, so the engine can resolve the
// *session.Client, send "Command timed out", and kill it.
func (d *Dispatcher) OnTimeout(fn func(clientID string, id int)) {
	d.onTimeout = fn
}

// DiscardClient drops every pending call owned by c, so a late asynchronous
// reply (e.g. from an authenticator that replies after disconnect) becomes a
// no-op instead of writing to a dead connection (spec.md §5, §4.1).
func (d *Dispatcher) DiscardClient(clientID string) {
	for key, pc := range d.pending {
		if key.clientID == clientID {
			pc.timer.Stop()
			delete(d.pending, key)
		}
	}
}

func (d *Dispatcher) failAndKill(c *session.Client, id int, message string) {
	d.sendError(c, id, message)
	slog.Info("rpc: killing connection after protocol error", "client_id", c.ID, "error", message)
	c.Transport.Kill(c.ID, message)
}

func (d *Dispatcher) sendError(c *session.Client, id int, message string) {
	d.send(c, Response{ID: id, Status: "error", Error: message})
}

func (d *Dispatcher) sendSuccess(c *session.Client, id int, params interface{}) {
	d.send(c, Response{ID: id, Status: "success", Params: params})
}

func (d *Dispatcher) send(c *session.Client, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("rpc: failed to marshal response", "error", err)
		return
	}
	_ = c.Transport.Send(c.ID, data)
}

// Notify sends a server-initiated notification to c (spec.md §4.4,
// "Notifications").
func Notify(c *session.Client, name string, params interface{}) error {
	data, err := json.Marshal(Notification{Notification: name, Params: params})
	if err != nil {
		return fmt.Errorf("rpc: marshal notification: %w", err)
	}
	return c.Transport.Send(c.ID, data)
}
