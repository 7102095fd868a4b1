package authn

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// remoteResponse is the JSON body returned by the identity provider.
type remoteResponse struct {
	OK        bool   `json:"ok"`
	UserID    string `json:"userId"`
	Reason    string `json:"reason"`
	Assertion string `json:"assertion"`
}

// remoteAssertionClaims is the optional signed corroboration of userId
// carried in remoteResponse.Assertion.
type remoteAssertionClaims struct {
	jwt.RegisteredClaims
}

// RemoteAuthenticator validates tokens against an external identity provider
// over HTTPS. It is the production Authenticator named by spec.md §4.1.
type RemoteAuthenticator struct {
	baseURL    string
	httpClient *http.Client
	publicKey  *rsa.PublicKey
}

// NewRemoteAuthenticator builds a RemoteAuthenticator pointed at baseURL. If
// publicKeyPEM is non-empty, it is used to verify the optional signed
// assertion bundled in the identity provider's response.
func NewRemoteAuthenticator(baseURL string, timeout time.Duration, publicKeyPEM []byte) (*RemoteAuthenticator, error) {
	ra := &RemoteAuthenticator{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	if len(publicKeyPEM) > 0 {
		key, err := parseRSAPublicKey(publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing authenticator public key: %w", err)
		}
		ra.publicKey = key
	}

	return ra, nil
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

// Authenticate implements Authenticator. It issues the HTTPS request on its
// own goroutine so the caller (the engine executor) is never blocked on I/O,
// per spec.md §5.
func (r *RemoteAuthenticator) Authenticate(ctx context.Context, req Request, callback func(Reply)) {
	go func() {
		reply := r.authenticateSync(ctx, req)
		callback(reply)
	}()
}

func (r *RemoteAuthenticator) authenticateSync(ctx context.Context, req Request) Reply {
	body, err := json.Marshal(map[string]any{
		"token":      req.Token,
		"nonce":      req.Nonce,
		"clientName": req.ClientName,
		"clientUuid": req.ClientUUID,
		"peerAddress": map[string]any{
			"host": req.PeerAddress.Host,
			"port": req.PeerAddress.Port,
		},
	})
	if err != nil {
		slog.Error("authn: failed to marshal authenticate request", "error", err)
		return Fail(Unknown)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/authenticate", bytes.NewReader(body))
	if err != nil {
		slog.Error("authn: failed to build authenticate request", "error", err)
		return Fail(Unknown)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Fail(Aborted)
		}
		slog.Warn("authn: remote identity provider unreachable", "error", err)
		return Fail(AuthServerNotResponding)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Fail(Unauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("authn: unexpected status from identity provider", "status", resp.StatusCode)
		return Fail(Unknown)
	}

	var parsed remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		slog.Error("authn: failed to decode identity provider response", "error", err)
		return Fail(Unknown)
	}

	if !parsed.OK {
		switch parsed.Reason {
		case string(BadToken):
			return Fail(BadToken)
		case string(Unauthorized):
			return Fail(Unauthorized)
		default:
			return Fail(Unknown)
		}
	}

	if parsed.UserID == "" {
		slog.Error("authn: identity provider reported success without a userId")
		return Fail(Unknown)
	}

	if r.publicKey != nil && parsed.Assertion != "" {
		if err := r.verifyAssertion(parsed.Assertion, parsed.UserID); err != nil {
			slog.Warn("authn: signed assertion did not match userId, rejecting", "error", err)
			return Fail(Unauthorized)
		}
	}

	return Success(parsed.UserID)
}

func (r *RemoteAuthenticator) verifyAssertion(assertion, userID string) error {
	claims := &remoteAssertionClaims{}
	_, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return r.publicKey, nil
	})
	if err != nil {
		return fmt.Errorf("parsing assertion: %w", err)
	}
	if claims.Subject != userID {
		return fmt.Errorf("assertion subject %q does not match reported userId %q", claims.Subject, userID)
	}
	return nil
}
