package identity

import "context"

// mockTokens are the development-only credentials the gateway accepts
// when the mock bypass is enabled. All of them resolve to the same
// synthetic user so local clients never need a real Firebase project.
var mockTokens = map[string]struct{}{
	"mock":                   {},
	"mock_token_for_testing": {},
	"test_token":             {},
	"dev_token":              {},
}

// MockUserID is the identity every accepted mock token resolves to.
const MockUserID = "dev-user"

// Mock is a Verifier that accepts a fixed set of development tokens.
// It must never be wired in production; config.MockTokensAllowed
// guards the composition root.
type Mock struct{}

var _ Verifier = (*Mock)(nil)

// Verify implements Verifier.
func (*Mock) Verify(_ context.Context, token string) (*Identity, error) {
	if _, ok := mockTokens[token]; !ok {
		return nil, ErrInvalidCredential
	}
	return &Identity{UserID: MockUserID}, nil
}

// IsMockToken reports whether token belongs to the development set.
func IsMockToken(token string) bool {
	_, ok := mockTokens[token]
	return ok
}
