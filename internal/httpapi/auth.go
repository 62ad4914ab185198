package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

const (
	scopeStateRead     = "state:read"
	scopeBroadcastJoin = "broadcast:join"
	tokenAudience      = "tabsync"
)

// tokenClaims scope a bearer to one isolation boundary. The boundary claim
// "*" grants every boundary and is meant for operators.
type tokenClaims struct {
	jwt.RegisteredClaims
	BoundaryID string           `json:"boundary_id"`
	ContextID  string           `json:"context_id"`
	Scopes     jwt.ClaimStrings `json:"scopes"`
}

// hasScope accepts scopes listed as an array or as one space separated string.
func (c *tokenClaims) hasScope(scope string) bool {
	for _, entry := range c.Scopes {
		if slices.Contains(strings.Fields(entry), scope) {
			return true
		}
	}
	return false
}

func authorizeBearer(authHeader, jwtSecret, boundaryID, requiredScope string, now time.Time) (*tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return nil, err
	}
	if boundaryID != "" && claims.BoundaryID != "*" && claims.BoundaryID != boundaryID {
		return nil, &authError{
			status:  403,
			code:    "forbidden",
			message: "boundary mismatch",
		}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return nil, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (*tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := &tokenClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return nil, &authError{status: 401, code: "unauthorized", message: bearerFailure(err)}
	}

	if claims.BoundaryID == "" {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing boundary_id claim"}
	}
	if claims.ContextID == "" {
		return nil, &authError{status: 401, code: "unauthorized", message: "missing context_id claim"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

func bearerFailure(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenUnverifiable), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing exp claim"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	default:
		return "invalid token"
	}
}

func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "internal request outside replay window"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}
