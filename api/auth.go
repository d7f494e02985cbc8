package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// LocalUserID owns the board when authentication is disabled.
const LocalUserID = "local-user"

// AuthSettings selects how bearer tokens are verified.
type AuthSettings struct {
	Audience string
	Issuer   string
	// LocalMode accepts HS256 tokens signed with SharedSecret.
	LocalMode    bool
	SharedSecret string
	// TestMode accepts HS256 tokens signed with TestSecret.
	TestMode     bool
	TestSecret   string
	JWKSCacheTTL time.Duration
}

// Auth validates incoming JWT tokens and maps them to a board owner.
type Auth struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	hmacKey  []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth. It panics when HS256 mode is selected without a
// secret.
func NewAuth(jwks *keyfunc.JWKS, s AuthSettings) *Auth {
	a := &Auth{jwks: jwks, audience: s.Audience, issuer: s.Issuer, keyCacheTTL: s.JWKSCacheTTL}
	if a.keyCacheTTL <= 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}

	switch {
	case s.LocalMode:
		if s.SharedSecret == "" {
			panic("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE is enabled")
		}
		a.hmacKey = []byte(s.SharedSecret)
	case s.TestMode:
		if s.TestSecret == "" {
			panic("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		a.hmacKey = []byte(s.TestSecret)
	}

	if a.hmacKey != nil {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}

	parsed, err := a.parser.Parse(token, a.keyFor)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", errors.New("token used before issued")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyFor(token *jwt.Token) (any, error) {
	if a.hmacKey != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.hmacKey, nil
	}
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// NoAuth maps every request to LocalUserID.
type NoAuth struct{}

func (NoAuth) UserIDFromAuthHeader(string) (string, error) { return LocalUserID, nil }
