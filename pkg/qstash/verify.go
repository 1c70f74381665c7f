package qstash

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	SignatureHeader = "Upstash-Signature"
	issuer          = "Upstash"
)

var ErrInvalidSignature = errors.New("qstash signature invalid")

type signatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verify checks an Upstash-Signature token against the current signing key,
// falling back to the next key during rotation. url is the public URL the
// message was delivered to.
func (c *Client) Verify(signature string, body []byte, url string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}

	err := verifyWithKey(c.currentSigningKey, signature, body, url)
	if err == nil {
		return nil
	}
	if c.nextSigningKey == "" {
		return err
	}
	return verifyWithKey(c.nextSigningKey, signature, body, url)
}

func verifyWithKey(key, signature string, body []byte, url string) error {
	if key == "" {
		return fmt.Errorf("%w: signing key not configured", ErrInvalidSignature)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	}
	if url != "" {
		opts = append(opts, jwt.WithSubject(url))
	}

	var claims signatureClaims
	_, err := jwt.ParseWithClaims(signature, &claims, func(*jwt.Token) (any, error) {
		return []byte(key), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sum := sha256.Sum256(body)
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if strings.TrimRight(claims.Body, "=") != want {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}
