package engine

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nymea-community/remoteproxy/internal/authn"
	"github.com/nymea-community/remoteproxy/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestEngine(t *testing.T, configure func(*config.ProxyConfiguration)) (*Engine, *authn.MockAuthenticator, int) {
	t.Helper()
	cfg := config.DefaultConfiguration()
	cfg.DeveloperMode = true
	cfg.WebSocketPort = freePort(t)
	cfg.TCPPort = freePort(t)
	cfg.JSONRPCTimeout = time.Second
	cfg.AuthenticationTimeout = 5 * time.Second
	cfg.RelayInactivityTimeout = 0
	cfg.MaxConnections = 1000
	cfg.MaxConnectionsPerIP = 1000
	if configure != nil {
		configure(cfg)
	}

	mock := authn.NewMockAuthenticator()
	e := New(cfg, mock)
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, mock, cfg.TCPPort
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialTCP(t *testing.T, port int) *testConn {
	t.Helper()
	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(v interface{}) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testConn) sendRaw(data []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("write raw: %v", err)
	}
}

func (c *testConn) readLine(timeout time.Duration) (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.r.ReadString('\n')
	return line, err
}

func (c *testConn) close() { c.conn.Close() }

func TestS1Hello(t *testing.T) {
	_, _, port := newTestEngine(t, nil)
	conn := dialTCP(t, port)
	defer conn.close()

	conn.send(map[string]interface{}{"id": 1, "method": "RemoteProxy.Hello", "params": map[string]interface{}{}})

	line, err := conn.readLine(time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp struct {
		ID     int                    `json:"id"`
		Status string                 `json:"status"`
		Params map[string]interface{} `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if resp.Params["apiVersion"] == nil {
		t.Fatalf("expected apiVersion in params: %+v", resp.Params)
	}
}

func authenticate(conn *testConn, id int, uuid, token, nonce string) {
	conn.send(map[string]interface{}{
		"id":     id,
		"method": "Authentication.Authenticate",
		"params": map[string]interface{}{"uuid": uuid, "name": "client-" + uuid, "token": token, "nonce": nonce},
	})
}

func TestS2AuthSuccessPairsTwoClients(t *testing.T) {
	_, mock, port := newTestEngine(t, nil)
	mock.Allow("tokA", "nonceA", "user-1")

	a := dialTCP(t, port)
	defer a.close()
	b := dialTCP(t, port)
	defer b.close()

	authenticate(a, 1, "uuid-a", "tokA", "nonceA")
	authenticate(b, 1, "uuid-b", "tokA", "nonceA")

	// Each connection should see its Authenticate response, then a
	// TunnelEstablished notification, in either order across connections.
	aLines := readN(t, a, 2, 500*time.Millisecond)
	bLines := readN(t, b, 2, 500*time.Millisecond)

	if !containsNotification(aLines, "Authentication.TunnelEstablished", "uuid-b") {
		t.Fatalf("client a did not get TunnelEstablished naming b: %v", aLines)
	}
	if !containsNotification(bLines, "Authentication.TunnelEstablished", "uuid-a") {
		t.Fatalf("client b did not get TunnelEstablished naming a: %v", bLines)
	}
}

func readN(t *testing.T, c *testConn, n int, timeout time.Duration) []string {
	t.Helper()
	lines := make([]string, 0, n)
	deadline := time.Now().Add(timeout)
	for len(lines) < n && time.Now().Before(deadline) {
		line, err := c.readLine(timeout)
		if err != nil {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

func containsNotification(lines []string, name, clientUUID string) bool {
	for _, line := range lines {
		var n struct {
			Notification string                 `json:"notification"`
			Params       map[string]interface{} `json:"params"`
		}
		if err := json.Unmarshal([]byte(line), &n); err != nil {
			continue
		}
		if n.Notification == name && n.Params["clientUuid"] == clientUUID {
			return true
		}
	}
	return false
}

func TestS3Relay(t *testing.T) {
	_, mock, port := newTestEngine(t, nil)
	mock.Allow("tokA", "nonceA", "user-1")

	a := dialTCP(t, port)
	defer a.close()
	b := dialTCP(t, port)
	defer b.close()

	authenticate(a, 1, "uuid-a", "tokA", "nonceA")
	authenticate(b, 1, "uuid-b", "tokA", "nonceA")
	readN(t, a, 2, 500*time.Millisecond)
	readN(t, b, 2, 500*time.Millisecond)

	a.sendRaw([]byte("Hello from client one :-)\n"))

	line, err := b.readLine(time.Second)
	if err != nil {
		t.Fatalf("read relayed bytes: %v", err)
	}
	if line != "Hello from client one :-)\n" {
		t.Fatalf("unexpected relayed payload: %q", line)
	}
}

func TestS4TokenMismatchParksBoth(t *testing.T) {
	_, mock, port := newTestEngine(t, nil)
	mock.Allow("tokA", "nonceA", "user-1")
	mock.Allow("tokB", "nonceA", "user-1")

	a := dialTCP(t, port)
	defer a.close()
	b := dialTCP(t, port)
	defer b.close()

	authenticate(a, 1, "uuid-a", "tokA", "nonceA")
	authenticate(b, 1, "uuid-b", "tokB", "nonceA")

	aLines := readN(t, a, 2, 300*time.Millisecond)
	bLines := readN(t, b, 2, 300*time.Millisecond)

	if containsNotification(aLines, "Authentication.TunnelEstablished", "uuid-b") {
		t.Fatal("client a should not have paired on mismatched token")
	}
	if containsNotification(bLines, "Authentication.TunnelEstablished", "uuid-a") {
		t.Fatal("client b should not have paired on mismatched token")
	}
}

func TestS5AuthenticateCallTimesOut(t *testing.T) {
	_, mock, port := newTestEngine(t, func(cfg *config.ProxyConfiguration) {
		cfg.JSONRPCTimeout = 100 * time.Millisecond
	})
	mock.SetNeverReplies(true)

	c := dialTCP(t, port)
	defer c.close()

	authenticate(c, 1, "uuid-a", "tok", "nonce")

	line, err := c.readLine(time.Second)
	if err != nil {
		t.Fatalf("expected a timeout error response: %v", err)
	}
	var resp struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "error" || resp.Error != "Command timed out" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Connection should be killed shortly after.
	_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := c.conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after call timeout")
	}
}

// TestS6DoubleAuthFails covers the Authenticated-but-unpaired window: once a
// client has authenticated and is waiting in the registry for a peer, a
// second Authenticate on the same connection must fail immediately. This is
// distinct from S2's paired/TunnelConnected state — per I5, a TunnelConnected
// client's bytes are relayed verbatim and never reach the dispatcher, so the
// double-auth check can only be observed before a peer arrives.
func TestS6DoubleAuthFails(t *testing.T) {
	_, mock, port := newTestEngine(t, nil)
	mock.Allow("tokA", "nonceA", "user-1")

	a := dialTCP(t, port)
	defer a.close()

	authenticate(a, 1, "uuid-a", "tokA", "nonceA")
	line, err := a.readLine(time.Second)
	if err != nil {
		t.Fatalf("read initial auth response: %v", err)
	}
	var authResp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(line), &authResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if authResp.Status != "success" {
		t.Fatalf("expected first authenticate to succeed: %+v", authResp)
	}

	authenticate(a, 2, "uuid-a", "tokA", "nonceA")

	line, err = a.readLine(time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "error" || resp.Error != "Authentication already done" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCapEnforcementRefusesNPlusOne(t *testing.T) {
	_, _, port := newTestEngine(t, func(cfg *config.ProxyConfiguration) {
		cfg.MaxConnections = 1
		cfg.MaxConnectionsPerIP = 1
	})

	first := dialTCP(t, port)
	defer first.close()

	// Give the engine a moment to admit and register the first connection.
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the (N+1)th connection to be refused")
	}
}

func TestParseFailureKillsAfterOneErrorResponse(t *testing.T) {
	_, _, port := newTestEngine(t, nil)
	conn := dialTCP(t, port)
	defer conn.close()

	conn.sendRaw([]byte("garbage\n"))

	line, err := conn.readLine(time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "error" || resp.ID != -1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	_ = conn.conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after parse failure")
	}
}
