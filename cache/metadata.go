package cache

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Reserved header names used to carry metadata fields in the serialized response head.
const (
	uriHeaderName     = "Pagecache-Meta-Uri"
	createdHeaderName = "Pagecache-Meta-Created"
	gzipHeaderName    = "Pagecache-Meta-Gzip"
	ttlHeaderName     = "Pagecache-Meta-Ttl"
	digestHeaderName  = "Pagecache-Meta-Digest"
)

var metaHeaderNames = []string{uriHeaderName, createdHeaderName, gzipHeaderName, ttlHeaderName, digestHeaderName}

// MarshalMetadata serializes metadata as an HTTP/1.1 response head:
// the status line, the stored headers and the reserved metadata headers.
func MarshalMetadata(m Metadata) ([]byte, error) {
	if m.StatusCode < 100 || m.StatusCode > 999 {
		return nil, fmt.Errorf("invalid status code %d", m.StatusCode)
	}
	header := m.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(uriHeaderName, m.URI)
	header.Set(createdHeaderName, strconv.FormatInt(m.Created.Unix(), 10))
	header.Set(gzipHeaderName, "0")
	if m.Gzip {
		header.Set(gzipHeaderName, "1")
	}
	header.Set(ttlHeaderName, strconv.FormatInt(int64(m.TTL/time.Second), 10))
	header.Set(digestHeaderName, m.Digest)

	buf := &bytes.Buffer{}
	buf.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", m.StatusCode, http.StatusText(m.StatusCode)))
	if err := header.Write(buf); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// UnmarshalMetadata parses metadata written by MarshalMetadata.
func UnmarshalMetadata(b []byte) (Metadata, error) {
	var m Metadata
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return m, err
	}
	res.Body.Close()

	created, err := strconv.ParseInt(res.Header.Get(createdHeaderName), 10, 64)
	if err != nil {
		return m, fmt.Errorf("created: %w", err)
	}
	ttl, err := strconv.ParseInt(res.Header.Get(ttlHeaderName), 10, 64)
	if err != nil {
		return m, fmt.Errorf("ttl: %w", err)
	}
	digest := res.Header.Get(digestHeaderName)
	if digest == "" {
		return m, fmt.Errorf("digest missing")
	}

	m.StatusCode = res.StatusCode
	m.URI = res.Header.Get(uriHeaderName)
	m.Created = time.Unix(created, 0)
	m.Gzip = res.Header.Get(gzipHeaderName) == "1"
	m.TTL = time.Duration(ttl) * time.Second
	m.Digest = digest
	for _, name := range metaHeaderNames {
		res.Header.Del(name)
	}
	m.Header = res.Header
	return m, nil
}

// Digest returns the hex encoded SHA-256 of the body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// encode returns the bytes for the two slots of an entry.
// The ttl and the digest of the body are recorded in the metadata.
func encode(entry Entry, ttl time.Duration) (content []byte, data []byte, err error) {
	meta := entry.Metadata
	meta.TTL = ttl
	meta.Digest = Digest(entry.Body)
	data, err = MarshalMetadata(meta)
	if err != nil {
		return nil, nil, err
	}
	return entry.Body, data, nil
}

// decode creates an entry from the bytes of its two slots.
// Errors are always wrapping ErrCorrupt.
func decode(content []byte, data []byte) (Entry, error) {
	meta, err := UnmarshalMetadata(data)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if Digest(content) != meta.Digest {
		return Entry{}, fmt.Errorf("%w: body does not match metadata", ErrCorrupt)
	}
	return Entry{Body: content, Metadata: meta}, nil
}
