package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(body string) Entry {
	header := http.Header{}
	header.Add("Content-Type", "text/html; charset=utf-8")
	header.Add("X-Multi", "one")
	header.Add("X-Multi", "two")
	return Entry{
		Body: []byte(body),
		Metadata: Metadata{
			StatusCode: http.StatusCreated,
			Header:     header,
			URI:        "http://example.com/a?x=2&y=1",
			Created:    time.Unix(1700000000, 0),
			Gzip:       true,
		},
	}
}

func testStores(t *testing.T) map[string]Store {
	fsStore, err := NewFilesystemStore(filepath.Join(t.TempDir(), "pages"), 0o755)
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]Store{
		"filesystem": fsStore,
		"memory":     NewMemoryStore(),
		"sqlite":     sqliteStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Read(ctx, "k1")
			require.ErrorIs(t, err, ErrNotFound)
			assert.False(t, store.Exists(ctx, "k1"))

			require.NoError(t, store.Write(ctx, "k1", testEntry("<p>hello</p>"), time.Minute))
			assert.True(t, store.Exists(ctx, "k1"))

			entry, err := store.Read(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, "<p>hello</p>", string(entry.Body))
			assert.Equal(t, http.StatusCreated, entry.Metadata.StatusCode)
			assert.Equal(t, "text/html; charset=utf-8", entry.Metadata.Header.Get("Content-Type"))
			assert.Equal(t, []string{"one", "two"}, entry.Metadata.Header.Values("X-Multi"))
			assert.Empty(t, entry.Metadata.Header.Get(uriHeaderName))
			assert.Equal(t, "http://example.com/a?x=2&y=1", entry.Metadata.URI)
			assert.True(t, entry.Metadata.Created.Equal(time.Unix(1700000000, 0)))
			assert.True(t, entry.Metadata.Gzip)
			assert.Equal(t, time.Minute, entry.Metadata.TTL)
			assert.Equal(t, Digest([]byte("<p>hello</p>")), entry.Metadata.Digest)
		})
	}
}

func TestStoreWriteReplaces(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, "k", testEntry("first"), time.Minute))
			require.NoError(t, store.Write(ctx, "k", testEntry("second"), time.Minute))
			entry, err := store.Read(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "second", string(entry.Body))
		})
	}
}

func TestStoreZeroTTLIsNotStored(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, "k", testEntry("body"), 0))
			assert.False(t, store.Exists(ctx, "k"))
		})
	}
}

func TestStoreDeleteIsSelectiveAndIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Write(ctx, "a", testEntry("a"), time.Minute))
			require.NoError(t, store.Write(ctx, "b", testEntry("b"), time.Minute))

			require.NoError(t, store.Delete(ctx, "a"))
			require.NoError(t, store.Delete(ctx, "a"))
			require.NoError(t, store.Delete(ctx, "never-written"))

			_, err := store.Read(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
			entry, err := store.Read(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "b", string(entry.Body))
		})
	}
}

func TestStoreClear(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"a", "b", "c"} {
				require.NoError(t, store.Write(ctx, key, testEntry(key), time.Minute))
			}
			require.NoError(t, store.Clear(ctx))
			require.NoError(t, store.Clear(ctx))
			for _, key := range []string{"a", "b", "c"} {
				assert.False(t, store.Exists(ctx, key))
			}
		})
	}
}

func TestInvalidStatusCodeIsNotStored(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			entry := testEntry("body")
			entry.Metadata.StatusCode = 0
			assert.Error(t, store.Write(ctx, "k", entry, time.Minute))
		})
	}
}

func TestIsMiss(t *testing.T) {
	assert.True(t, IsMiss(ErrNotFound))
	assert.True(t, IsMiss(ErrStale))
	assert.True(t, IsMiss(ErrCorrupt))
	_, err := decode([]byte("body"), []byte("garbage"))
	assert.True(t, IsMiss(err))
	assert.False(t, IsMiss(context.Canceled))
	assert.False(t, IsMiss(nil))
}

func TestMetadataHeadersStayOutOfStoredHeaders(t *testing.T) {
	meta := testEntry("").Metadata
	meta.Digest = Digest(nil)
	b, err := MarshalMetadata(meta)
	require.NoError(t, err)
	assert.Contains(t, string(b), "HTTP/1.1 201 Created\r\n")

	decoded, err := UnmarshalMetadata(b)
	require.NoError(t, err)
	for _, name := range metaHeaderNames {
		assert.Empty(t, decoded.Header.Values(name))
	}
	assert.Len(t, decoded.Header, 2)
}
