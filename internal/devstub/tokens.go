package devstub

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/xiaot623/gridview/internal/domain"
)

const defaultTokenTTL = 12 * time.Hour

var errMissingBearer = errors.New("missing bearer token")

// TokenIssuer signs and checks HS256 tokens carrying the scope and
// userId claims of the credential service.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

func NewTokenIssuer(key []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{key: key, ttl: ttl}
}

// Issue returns a signed token for userID acting as role.
func (i *TokenIssuer) Issue(userID string, role domain.Role, now time.Time) (string, error) {
	scope := domain.ScopeClient
	if role == domain.RoleOperator {
		scope = domain.ScopeAdmin
	}
	tok, err := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(i.ttl)).
		Claim("scope", scope).
		Claim("userId", userID).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), i.key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Verify checks an Authorization header value and returns the subject.
func (i *TokenIssuer) Verify(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errMissingBearer
	}
	tok, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256(), i.key))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	sub, _ := tok.Subject()
	return sub, nil
}
