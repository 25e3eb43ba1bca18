package storage

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	ErrClosed     = errors.New("storage: closed")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON file per key under Path (a directory)
//   - "sqlite": SQLite database file at Path
//   - "none" or "": in-memory only, lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store holds opaque documents by key.
type Store interface {
	Load(ctx context.Context, key string) (data []byte, ok bool, err error)
	Save(ctx context.Context, key string, data []byte) error
	Close() error
}

var keyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NormalizeKey maps an arbitrary label to a file-safe key.
func NormalizeKey(key string) (string, error) {
	k := keyChars.ReplaceAllString(strings.TrimSpace(key), "_")
	k = strings.Trim(k, "._")
	if k == "" {
		return "", ErrInvalidKey
	}
	return k, nil
}
