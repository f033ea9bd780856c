package cache

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/Morse2580/Mimir-sub001/pkg/errors"
)

// Status classifies an entry relative to its own expiry. It is always
// computed from (cached_at, expires_at, now) and never stored.
type Status string

const (
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusExpired Status = "expired"
	StatusMissing Status = "missing"
)

// Band buckets an entry's age for staleness warnings
type Band string

const (
	BandCurrent   Band = "current"
	BandRecent    Band = "recent"
	BandAging     Band = "aging"
	BandStale     Band = "stale"
	BandVeryStale Band = "very_stale"
)

// Metadata is the sidecar record written next to each payload. It is
// immutable per write; the hit counter lives in its own key.
type Metadata struct {
	CachedAt    time.Time `json:"cached_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Source      string    `json:"source"`
	VersionHash string    `json:"version_hash"`
	Compressed  bool      `json:"compressed"`
}

// StatusOf computes the entry status purely from timestamps. Past its
// expiry an entry stays servable as stale until maxStaleServe has
// elapsed since it was cached; beyond that it counts as expired.
func StatusOf(cachedAt, expiresAt, now time.Time, maxStaleServe time.Duration) Status {
	if now.Before(expiresAt) {
		return StatusFresh
	}
	if now.Sub(cachedAt) < maxStaleServe {
		return StatusStale
	}
	return StatusExpired
}

// BandOf buckets the entry age. Negative ages from clock skew read as
// current.
func BandOf(cachedAt, now time.Time, freshnessWindow, maxStaleServe time.Duration) Band {
	age := now.Sub(cachedAt)
	switch {
	case age < time.Hour:
		return BandCurrent
	case age < freshnessWindow:
		return BandRecent
	case age < 24*time.Hour:
		return BandAging
	case age < maxStaleServe:
		return BandStale
	default:
		return BandVeryStale
	}
}

// VersionHash derives the content-version hash: sha256 over canonical
// JSON (object keys sorted), truncated to 16 hex characters. Two
// payloads that differ only in key order hash identically.
func VersionHash(data interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", errors.NewInternalError("failed to serialize payload for hashing").WithCause(err)
	}
	return VersionHashBytes(raw)
}

// VersionHashBytes hashes an already-serialized JSON payload
func VersionHashBytes(raw []byte) (string, error) {
	var norm interface{}
	if err := json.Unmarshal(raw, &norm); err != nil {
		return "", errors.NewValidationError("payload is not valid JSON").WithCause(err)
	}

	canonical, err := json.Marshal(norm)
	if err != nil {
		return "", errors.NewInternalError("failed to canonicalize payload").WithCause(err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
