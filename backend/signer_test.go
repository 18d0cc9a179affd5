package backend

import (
	"bytes"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestSigner(t *testing.T) (*Signer, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	signer, err := NewSigner(bytes.Repeat([]byte{0x42}, SignerKeySize), "http://localhost:8080", WithSignerNow(clock.Now))
	require.NoError(t, err)
	return signer, clock
}

func TestSignerRejectsBadKeySize(t *testing.T) {
	_, err := NewSigner([]byte("too short"), "http://localhost")
	require.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, _ := newTestSigner(t)

	signed, err := signer.Sign("blobs/1-aa-a.pdf", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(signed, "http://localhost:8080/files/blobs/1-aa-a.pdf?"))

	u, err := url.Parse(signed)
	require.NoError(t, err)

	err = signer.Verify("blobs/1-aa-a.pdf", u.Query().Get("exp"), u.Query().Get("sig"))
	require.NoError(t, err)
}

func TestVerifyExpiredURL(t *testing.T) {
	signer, clock := newTestSigner(t)

	signed, err := signer.Sign("blobs/a", 5*time.Minute)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)

	u, err := url.Parse(signed)
	require.NoError(t, err)

	err = signer.Verify("blobs/a", u.Query().Get("exp"), u.Query().Get("sig"))
	require.ErrorIs(t, err, ErrExpiredURL)
}

func TestVerifyTamperedKey(t *testing.T) {
	signer, _ := newTestSigner(t)

	signed, err := signer.Sign("blobs/a", 5*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)

	err = signer.Verify("blobs/b", u.Query().Get("exp"), u.Query().Get("sig"))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyTamperedExpiry(t *testing.T) {
	signer, _ := newTestSigner(t)

	signed, err := signer.Sign("blobs/a", 5*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)

	err = signer.Verify("blobs/a", "9999999999", u.Query().Get("sig"))
	require.ErrorIs(t, err, ErrBadSignature)

	err = signer.Verify("blobs/a", "not-a-number", u.Query().Get("sig"))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyDifferentKeys(t *testing.T) {
	signerA, clock := newTestSigner(t)
	signerB, err := NewSigner(bytes.Repeat([]byte{0x99}, SignerKeySize), "http://localhost:8080", WithSignerNow(clock.Now))
	require.NoError(t, err)

	signed, err := signerA.Sign("blobs/a", 5*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)

	err = signerB.Verify("blobs/a", u.Query().Get("exp"), u.Query().Get("sig"))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestNewBlobKeyFormat(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	key, err := NewBlobKey(now, "invoice.pdf")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "blobs/1748779200000-"))
	require.True(t, strings.HasSuffix(key, "-invoice.pdf"))

	other, err := NewBlobKey(now, "invoice.pdf")
	require.NoError(t, err)
	require.NotEqual(t, key, other, "random component must differ")
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"invoice.pdf", "invoice.pdf"},
		{"my report (final).docx", "my_report__final_.docx"},
		{"../../etc/passwd", "passwd"},
		{"..\\..\\evil.doc", "evil.doc"},
		{"", "file"},
		{"..", "file"},
		{"räksmörgås.png", "r_ksm_rg_s.png"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}
}
