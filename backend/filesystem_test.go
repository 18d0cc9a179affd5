package backend

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Filesystem {
	t.Helper()

	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newTestBackend(t)
	ctx := context.Background()

	body := []byte("%PDF-1.4 pretend pdf content")
	header := &BlobHeader{
		ContentType:  "application/pdf",
		OriginalName: "invoice.pdf",
		UploadedAt:   "2025-06-01T12:00:00Z",
	}

	require.NoError(t, fs.Write(ctx, "blobs/1-aa-invoice.pdf", header, bytes.NewReader(body)))

	gotHeader, gotBody, err := fs.Read(ctx, "blobs/1-aa-invoice.pdf")
	require.NoError(t, err)
	defer gotBody.Close()

	require.Equal(t, "application/pdf", gotHeader.ContentType)
	require.Equal(t, "invoice.pdf", gotHeader.OriginalName)
	require.Equal(t, int64(len(body)), gotHeader.ContentLength)
	require.NotEmpty(t, gotHeader.ContentHash)

	got, err := io.ReadAll(gotBody)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestWriteComputesContentHash(t *testing.T) {
	fs := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "blobs/a", &BlobHeader{}, strings.NewReader("same bytes")))
	require.NoError(t, fs.Write(ctx, "blobs/b", &BlobHeader{}, strings.NewReader("same bytes")))
	require.NoError(t, fs.Write(ctx, "blobs/c", &BlobHeader{}, strings.NewReader("other bytes")))

	ha, _, err := fs.Read(ctx, "blobs/a")
	require.NoError(t, err)
	hb, _, err := fs.Read(ctx, "blobs/b")
	require.NoError(t, err)
	hc, _, err := fs.Read(ctx, "blobs/c")
	require.NoError(t, err)

	require.Equal(t, ha.ContentHash, hb.ContentHash)
	require.NotEqual(t, ha.ContentHash, hc.ContentHash)
}

func TestReadAbsent(t *testing.T) {
	fs := newTestBackend(t)

	_, _, err := fs.Read(context.Background(), "blobs/nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	fs := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "blobs/a", &BlobHeader{}, strings.NewReader("x")))

	require.NoError(t, fs.Delete(ctx, "blobs/a"))
	require.NoError(t, fs.Delete(ctx, "blobs/a"))

	exists, err := fs.Exists(ctx, "blobs/a")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestExists(t *testing.T) {
	fs := newTestBackend(t)
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "blobs/a")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, "blobs/a", &BlobHeader{}, strings.NewReader("x")))

	exists, err = fs.Exists(ctx, "blobs/a")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestListByPrefix(t *testing.T) {
	fs := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "blobs/a", &BlobHeader{}, strings.NewReader("x")))
	require.NoError(t, fs.Write(ctx, "blobs/b", &BlobHeader{}, strings.NewReader("y")))

	keys, err := fs.List(ctx, "blobs")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"blobs/a", "blobs/b"}, keys)

	keys, err = fs.List(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestSize(t *testing.T) {
	fs := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "blobs/a", &BlobHeader{}, strings.NewReader("hello")))

	size, err := fs.Size(ctx, "blobs/a")
	require.NoError(t, err)
	require.Greater(t, size, int64(5), "framed file is larger than the body")

	_, err = fs.Size(ctx, "blobs/nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadFramedRejectsBadMagic(t *testing.T) {
	_, _, err := ReadFramed(bytes.NewReader([]byte("NOPE....")))
	require.ErrorIs(t, err, ErrInvalidMagic)
}
