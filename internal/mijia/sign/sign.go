// Package sign constructs the authentication material the device API
// requires on every call: a per-request nonce, a signed nonce derived from
// the session secret, and a request signature over path, nonces and body.
package sign

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"mihome/pkg/platform/sentinel"
)

// NonceLength is the fixed length of request nonces.
const NonceLength = 16

const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Signer derives the signed nonce and the request signature. It is an
// interface because the vendor's production digest choice is not publicly
// documented; interop work swaps the implementation, nothing else changes.
type Signer interface {
	SignedNonce(ssecurity, nonce string) string
	Signature(path, signedNonce, nonce, data string) string
}

// HMACSigner is the default scheme: SHA-256 over secret||nonce for the
// signed nonce, HMAC-SHA256 keyed by the signed nonce over the canonical
// sign string, both base64-encoded.
type HMACSigner struct{}

func (HMACSigner) SignedNonce(ssecurity, nonce string) string {
	sum := sha256.Sum256([]byte(ssecurity + nonce))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (HMACSigner) Signature(path, signedNonce, nonce, data string) string {
	mac := hmac.New(sha256.New, []byte(signedNonce))
	fmt.Fprintf(mac, "%s&%s&%s&data=%s", path, signedNonce, nonce, data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Credentials is the session material a signed request is built from.
type Credentials struct {
	Ssecurity    string
	DeviceID     string
	UserID       string
	ServiceToken string
}

// Request is a fully constructed signed request: the form fields plus the
// Cookie header the device API authenticates with.
type Request struct {
	Nonce        string
	Data         string
	Signature    string
	CookieHeader string
}

// Build constructs a signed request with a fresh random nonce.
func Build(signer Signer, creds Credentials, path, body string) (*Request, error) {
	return BuildWithNonce(signer, creds, path, body, Nonce())
}

// BuildWithNonce is Build with the nonce injected; the signature is a pure
// function of its inputs, which tests rely on.
func BuildWithNonce(signer Signer, creds Credentials, path, body, nonce string) (*Request, error) {
	if creds.ServiceToken == "" {
		return nil, fmt.Errorf("session has no service token: %w", sentinel.ErrUnauthenticated)
	}

	data := NormalizeBody(body)
	signedNonce := signer.SignedNonce(creds.Ssecurity, nonce)
	return &Request{
		Nonce:     nonce,
		Data:      data,
		Signature: signer.Signature(path, signedNonce, nonce, data),
		CookieHeader: fmt.Sprintf("PassportDeviceId=%s;userId=%s;serviceToken=%s;",
			creds.DeviceID, creds.UserID, creds.ServiceToken),
	}, nil
}

// Nonce returns a fresh fixed-length alphanumeric nonce.
func Nonce() string {
	buf := make([]byte, NonceLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return string(buf)
}

// NormalizeBody rewrites the vendor serialization quirks (single quotes,
// capitalized booleans) into canonical JSON before signing and sending.
var bodyNormalizer = strings.NewReplacer("'", `"`, "True", "true", "False", "false")

func NormalizeBody(body string) string {
	return bodyNormalizer.Replace(body)
}
