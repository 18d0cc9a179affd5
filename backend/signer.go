package backend

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// SignerKeySize is the required secret key size in bytes.
const SignerKeySize = 32

var (
	// ErrExpiredURL is returned when a signed URL's expiry has passed.
	ErrExpiredURL = errors.New("signed url expired")

	// ErrBadSignature is returned when a signed URL's signature does not verify.
	ErrBadSignature = errors.New("invalid url signature")
)

// Signer produces and verifies time-limited download URLs for blobs.
// Signatures are keyed BLAKE3 MACs over the blob key and expiry time.
type Signer struct {
	key     []byte
	baseURL string
	now     func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerNow sets the time function for testing.
func WithSignerNow(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a Signer with the given secret key and base URL.
// The key must be exactly SignerKeySize bytes.
func NewSigner(key []byte, baseURL string, opts ...SignerOption) (*Signer, error) {
	if len(key) != SignerKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", SignerKeySize, len(key))
	}
	s := &Signer{
		key:     append([]byte(nil), key...),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign returns a URL granting access to the given blob key until now+ttl.
func (s *Signer) Sign(key string, ttl time.Duration) (string, error) {
	exp := s.now().Add(ttl).Unix()
	sig, err := s.mac(key, exp)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", sig)

	u := s.baseURL + "/files/" + pathEscapeKey(key) + "?" + q.Encode()
	return u, nil
}

// Verify checks that sig is a valid signature for the blob key with the
// given expiry, and that the expiry has not passed.
func (s *Signer) Verify(key, expStr, sig string) error {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrBadSignature
	}

	want, err := s.mac(key, exp)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}

	if s.now().Unix() > exp {
		return ErrExpiredURL
	}
	return nil
}

// mac computes the keyed BLAKE3 MAC over the key and expiry.
func (s *Signer) mac(key string, exp int64) (string, error) {
	h, err := blake3.NewKeyed(s.key)
	if err != nil {
		return "", fmt.Errorf("creating keyed hasher: %w", err)
	}
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// pathEscapeKey escapes each segment of a slash-separated key while
// preserving the separators.
func pathEscapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
