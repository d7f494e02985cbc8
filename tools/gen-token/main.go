// Command gen-token prints HS256 bearer tokens accepted by the board API in
// local or test auth mode.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "board-user", "user ID, or prefix for generated user IDs when count > 1")
		start    = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		audience = flag.String("aud", "", "audience claim")
		issuer   = flag.String("iss", "", "issuer claim")
		output   = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	if *count < 1 || *start < 1 {
		log.Fatal("count and start must be at least 1")
	}
	secret := signingSecret()
	if secret == "" {
		log.Fatal("LOCAL_AUTH_SHARED_SECRET or TEST_JWT_SECRET must be set")
	}

	tokens := make([]string, *count)
	for i := range tokens {
		userID := *prefix
		if *count > 1 {
			userID = fmt.Sprintf("%s-%d", *prefix, *start+i)
		}
		tok, err := signToken(secret, claimsFor(userID, *audience, *issuer, time.Now(), *ttl))
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
		tokens[i] = tok
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func signingSecret() string {
	if s := os.Getenv("LOCAL_AUTH_SHARED_SECRET"); s != "" {
		return s
	}
	return os.Getenv("TEST_JWT_SECRET")
}

func claimsFor(userID, audience, issuer string, now time.Time, ttl time.Duration) jwt.MapClaims {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return claims
}

func signToken(secret string, claims jwt.MapClaims) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
