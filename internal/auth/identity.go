// Package auth loads the viewer's bearer token and reads its identity
// claims. Signature validation belongs to the credential service; the
// client only needs the role and user id the token was issued for.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/xiaot623/gridview/internal/domain"
)

// Claim names issued by the credential service.
const (
	ClaimScope  = "scope"
	ClaimUserID = "userId"
)

var ErrNoUserID = errors.New("token carries no user id")

// Identity is who a viewer session acts as.
type Identity struct {
	UserID string
	Role   domain.Role
	Token  string
}

// ParseIdentity reads the scope and user id claims of token without
// verifying it. The subject claim is used when userId is absent.
func ParseIdentity(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	tok, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return Identity{}, fmt.Errorf("failed to parse token: %w", err)
	}

	var scope string
	if tok.Has(ClaimScope) {
		if err := tok.Get(ClaimScope, &scope); err != nil {
			return Identity{}, fmt.Errorf("invalid %s claim: %w", ClaimScope, err)
		}
	}

	userID := ""
	if tok.Has(ClaimUserID) {
		var raw any
		if err := tok.Get(ClaimUserID, &raw); err != nil {
			return Identity{}, fmt.Errorf("invalid %s claim: %w", ClaimUserID, err)
		}
		userID = claimString(raw)
	}
	if userID == "" {
		if sub, ok := tok.Subject(); ok {
			userID = sub
		}
	}
	if userID == "" {
		return Identity{}, ErrNoUserID
	}

	return Identity{UserID: userID, Role: domain.RoleFromScope(scope), Token: token}, nil
}

// claimString renders a user id claim; numeric ids arrive as float64.
func claimString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
