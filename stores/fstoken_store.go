package stores

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/panyam/centralauth"
)

// FSTokenStore keeps one JSON file per credential key under a directory
type FSTokenStore struct {
	StoragePath string
	sealer      *Sealer
	logger      *slog.Logger
}

// NewFSTokenStore creates a store under storagePath. An empty path means the
// user's cache directory joined with appName. The directory is created with
// mode 0700 and temp files left by earlier crashes are removed once they
// are old enough that no live writer can still own them.
func NewFSTokenStore(storagePath, appName string, sealer *Sealer) (*FSTokenStore, error) {
	if storagePath == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to find cache directory: %w", err)
		}
		storagePath = filepath.Join(cacheDir, appName)
	}
	if err := os.MkdirAll(storagePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	s := &FSTokenStore{StoragePath: storagePath, sealer: sealer, logger: slog.Default()}
	if n, err := removeStaleTemps(storagePath, time.Now().Add(-staleTempAge)); err == nil && n > 0 {
		s.logger.Info("Removed leftover temp files", "dir", storagePath, "count", n)
	}
	return s, nil
}

// WithLogger sets the logger used to report unreadable records
func (s *FSTokenStore) WithLogger(logger *slog.Logger) *FSTokenStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *FSTokenStore) getTokenPath(key string) string {
	return filepath.Join(s.StoragePath, "token-"+key+".json")
}

// Load returns the record for key. A missing, unreadable, corrupt or
// undecryptable file reads as no record.
func (s *FSTokenStore) Load(_ context.Context, key string) *centralauth.TokenRecord {
	path := s.getTokenPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read token record", "path", path, "error", err)
		}
		return nil
	}
	rec, err := DecodeRecord(s.sealer, key, data)
	if err != nil {
		s.logger.Warn("Ignoring unusable token record", "path", path, "error", err)
		return nil
	}
	return rec
}

// Save writes the record via temp file and rename, so readers see the old
// record or the new one, never a partial write.
func (s *FSTokenStore) Save(_ context.Context, key string, rec *centralauth.TokenRecord) error {
	data, err := EncodeRecord(s.sealer, key, rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.StoragePath, 0700); err != nil {
		return err
	}
	return writeAtomicFile(s.getTokenPath(key), data)
}

func (s *FSTokenStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.getTokenPath(key))
	if os.IsNotExist(err) {
		return nil // Already deleted
	}
	return err
}

// Clear deletes every token record and stale temp file in the directory
func (s *FSTokenStore) Clear(_ context.Context) (int, error) {
	entries, err := os.ReadDir(s.StoragePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "token-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.StoragePath, name)); err != nil {
			return removed, err
		}
		removed++
	}
	if _, err := removeStaleTemps(s.StoragePath, time.Now().Add(-staleTempAge)); err != nil {
		return removed, err
	}
	return removed, nil
}
