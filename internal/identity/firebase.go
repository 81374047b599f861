package identity

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultCertURL serves Google's current token-signing certificates,
// keyed by kid, as a JSON object of PEM strings.
const defaultCertURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

// defaultCertTTL is used when the certificate response carries no
// usable Cache-Control max-age.
const defaultCertTTL = time.Hour

// Firebase verifies Firebase ID tokens (RS256 JWTs minted by
// securetoken.google.com) for a single project.
type Firebase struct {
	projectID string
	certURL   string
	client    *http.Client
	now       func() time.Time

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

var _ Verifier = (*Firebase)(nil)

// FirebaseOption configures a Firebase verifier.
type FirebaseOption func(*Firebase)

// WithHTTPClient overrides the HTTP client used for certificate fetches.
func WithHTTPClient(c *http.Client) FirebaseOption {
	return func(f *Firebase) { f.client = c }
}

// WithCertURL overrides the signing-certificate endpoint.
func WithCertURL(url string) FirebaseOption {
	return func(f *Firebase) { f.certURL = url }
}

// WithClock overrides the time source used for token validation and
// certificate cache expiry.
func WithClock(now func() time.Time) FirebaseOption {
	return func(f *Firebase) { f.now = now }
}

// NewFirebase returns a verifier for ID tokens issued to projectID.
func NewFirebase(projectID string, opts ...FirebaseOption) (*Firebase, error) {
	if projectID == "" {
		return nil, fmt.Errorf("identity: firebase verifier requires a project id")
	}
	f := &Firebase{
		projectID: projectID,
		certURL:   defaultCertURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Verify implements Verifier.
func (f *Firebase) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("token header missing kid")
			}
			return f.signingKey(ctx, kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer("https://securetoken.google.com/"+f.projectID),
		jwt.WithAudience(f.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(f.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidCredential
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	id := &Identity{UserID: sub}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	return id, nil
}

// signingKey returns the public key for kid, refreshing the cached
// certificate set when it is stale or the key is unknown.
func (f *Firebase) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if key, ok := f.keys[kid]; ok && f.now().Before(f.expires) {
		return key, nil
	}
	if err := f.refreshLocked(ctx); err != nil {
		return nil, err
	}
	key, ok := f.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no signing certificate for kid %q", kid)
	}
	return key, nil
}

func (f *Firebase) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.certURL, nil)
	if err != nil {
		return fmt.Errorf("build certificate request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch signing certificates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch signing certificates: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read signing certificates: %w", err)
	}
	var certs map[string]string
	if err := json.Unmarshal(body, &certs); err != nil {
		return fmt.Errorf("decode signing certificates: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, pemCert := range certs {
		block, _ := pem.Decode([]byte(pemCert))
		if block == nil {
			return fmt.Errorf("certificate %q is not PEM", kid)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parse certificate %q: %w", kid, err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate %q is not RSA", kid)
		}
		keys[kid] = pub
	}

	f.keys = keys
	f.expires = f.now().Add(certTTL(resp.Header.Get("Cache-Control")))
	return nil
}

// certTTL extracts max-age from a Cache-Control header, falling back
// to defaultCertTTL.
func certTTL(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultCertTTL
}
