package rpcapi

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nymea-community/remoteproxy/internal/authn"
	"github.com/nymea-community/remoteproxy/internal/rpc"
	"github.com/nymea-community/remoteproxy/internal/session"
)

// testSender captures outbound frames and kill calls for assertions.
type testSender struct {
	mu       sync.Mutex
	sent     [][]byte
	killed   bool
	killArgs string
}

func (f *testSender) Send(clientID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *testSender) Kill(clientID string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.killArgs = reason
}

func (f *testSender) responses(t *testing.T) []rpc.Response {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rpc.Response, 0, len(f.sent))
	for _, raw := range f.sent {
		var resp rpc.Response
		if err := json.Unmarshal(raw, &resp); err == nil {
			out = append(out, resp)
		}
	}
	return out
}

// queueExecutor is a minimal stand-in for the engine executor (spec.md §5):
// a buffered channel drained inline by drainFor(), giving Post callers real
// asynchrony without spinning up the full engine package.
type queueExecutor struct {
	ch chan func()
}

func newQueueExecutor() *queueExecutor {
	return &queueExecutor{ch: make(chan func(), 64)}
}

func (q *queueExecutor) post(fn func()) { q.ch <- fn }

func (q *queueExecutor) drainFor(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		select {
		case fn := <-q.ch:
			fn()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestClient(sender *testSender) *session.Client {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	return session.New("client-1", addr, sender, "tcp")
}

func TestHelloReturnsServerInfo(t *testing.T) {
	d := rpc.New(time.Second, func(fn func()) { fn() })
	Register(d, Dependencies{
		Post:           func(fn func()) { fn() },
		Authenticator:  authn.NewMockAuthenticator(),
		ServerSoftware: "remoteproxyd",
		ServerName:     "test-server",
		Version:        "1.2.3",
		APIVersion:     "1.0",
	})

	sender := &testSender{}
	c := newTestClient(sender)

	d.Dispatch(c, []byte(`{"id":1,"method":"RemoteProxy.Hello","params":{}}`))

	resps := sender.responses(t)
	if len(resps) != 1 || resps[0].Status != "success" {
		t.Fatalf("unexpected responses: %+v", resps)
	}
	params, ok := resps[0].Params.(map[string]interface{})
	if !ok || params["apiVersion"] != "1.0" || params["name"] != "test-server" {
		t.Fatalf("unexpected hello params: %+v", resps[0].Params)
	}
}

func TestIntrospectDescribesAuthenticate(t *testing.T) {
	d := rpc.New(time.Second, func(fn func()) { fn() })
	Register(d, Dependencies{
		Post:          func(fn func()) { fn() },
		Authenticator: authn.NewMockAuthenticator(),
	})

	sender := &testSender{}
	c := newTestClient(sender)

	d.Dispatch(c, []byte(`{"id":2,"method":"RemoteProxy.Introspect","params":{}}`))

	resps := sender.responses(t)
	if len(resps) != 1 || resps[0].Status != "success" {
		t.Fatalf("unexpected responses: %+v", resps)
	}
	params := resps[0].Params.(map[string]interface{})
	methods := params["methods"].(map[string]interface{})
	if _, ok := methods["Authentication.Authenticate"]; !ok {
		t.Fatalf("expected Authentication.Authenticate in introspection: %+v", methods)
	}
	notifs := params["notifications"].(map[string]interface{})
	if _, ok := notifs["Authentication.TunnelEstablished"]; !ok {
		t.Fatalf("expected TunnelEstablished notification described: %+v", notifs)
	}
}

func TestAuthenticateSuccessTransitionsClient(t *testing.T) {
	exec := newQueueExecutor()
	mock := authn.NewMockAuthenticator()
	mock.Allow("tok", "nonce1", "user-1")

	d := rpc.New(time.Second, exec.post)
	var succeeded *session.Client
	Register(d, Dependencies{
		Post:          exec.post,
		Authenticator: mock,
		OnAuthenticateSuccess: func(c *session.Client) {
			succeeded = c
		},
	})

	sender := &testSender{}
	c := newTestClient(sender)

	d.Dispatch(c, []byte(`{"id":1,"method":"Authentication.Authenticate","params":{"uuid":"u","name":"n","token":"tok","nonce":"nonce1"}}`))
	exec.drainFor(200 * time.Millisecond)

	if c.State != session.Authenticated {
		t.Fatalf("expected state Authenticated, got %v", c.State)
	}
	if c.UserID != "user-1" {
		t.Fatalf("expected userId user-1, got %q", c.UserID)
	}
	if succeeded != c {
		t.Fatal("expected OnAuthenticateSuccess to fire with the client")
	}
	resps := sender.responses(t)
	if len(resps) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(resps))
	}
	params := resps[0].Params.(map[string]interface{})
	if params["authenticationError"] != "AuthenticationErrorNoError" {
		t.Fatalf("unexpected authenticationError: %v", params["authenticationError"])
	}
	if sender.killed {
		t.Fatal("did not expect connection to be killed on success")
	}
}

func TestAuthenticateFailureRepliesThenKills(t *testing.T) {
	exec := newQueueExecutor()
	mock := authn.NewMockAuthenticator() // nothing allowed -> Unauthorized

	d := rpc.New(time.Second, exec.post)
	Register(d, Dependencies{Post: exec.post, Authenticator: mock})

	sender := &testSender{}
	c := newTestClient(sender)

	d.Dispatch(c, []byte(`{"id":1,"method":"Authentication.Authenticate","params":{"uuid":"u","name":"n","token":"bad","nonce":"n1"}}`))
	exec.drainFor(200 * time.Millisecond)

	resps := sender.responses(t)
	if len(resps) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(resps))
	}
	params := resps[0].Params.(map[string]interface{})
	if params["authenticationError"] != "AuthenticationErrorAuthenticationError" {
		t.Fatalf("unexpected authenticationError: %v", params["authenticationError"])
	}
	if !sender.killed {
		t.Fatal("expected connection to be killed after auth failure")
	}
}

func TestDoubleAuthenticateFailsImmediately(t *testing.T) {
	d := rpc.New(time.Second, func(fn func()) { fn() })
	Register(d, Dependencies{Post: func(fn func()) { fn() }, Authenticator: authn.NewMockAuthenticator()})

	sender := &testSender{}
	c := newTestClient(sender)
	c.State = session.Authenticated // already authenticated

	d.Dispatch(c, []byte(`{"id":1,"method":"Authentication.Authenticate","params":{"uuid":"u","name":"n","token":"t","nonce":"n1"}}`))

	resps := sender.responses(t)
	if len(resps) != 1 || resps[0].Status != "error" || resps[0].Error != "Authentication already done" {
		t.Fatalf("unexpected responses: %+v", resps)
	}
	if !sender.killed {
		t.Fatal("expected connection to be killed on repeat authenticate")
	}
}
