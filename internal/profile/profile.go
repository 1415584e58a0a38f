// Package profile stores per-user speech-profile recordings. The profile is
// a short WAV of the user's voice used to calibrate speaker identification
// at session start.
package profile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Store loads speech profiles. A nil byte slice with a nil error means the
// user has no profile recorded.
type Store interface {
	ProfileWAV(ctx context.Context, uid string) ([]byte, error)
}

// FSStore keeps one WAV per user under a directory, named <uid>.wav.
type FSStore struct {
	dir string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a filesystem profile store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{dir: dir}
}

func (s *FSStore) ProfileWAV(_ context.Context, uid string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, uid+".wav"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("profile: read %s: %w", uid, err)
	}
	return raw, nil
}

// SaveProfileWAV stores a user's profile recording. Exposed for ingest
// tooling and tests.
func (s *FSStore) SaveProfileWAV(_ context.Context, uid string, wav []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("profile: create dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, uid+".wav"), wav, 0o644); err != nil {
		return fmt.Errorf("profile: write %s: %w", uid, err)
	}
	return nil
}
