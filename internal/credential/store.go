// Package credential holds per-channel secret blobs on disk. Each channel
// owns one JSON file; the store treats the contents as opaque beyond being
// valid JSON. Adapters read at connect time; the configure flow and pairing
// flows write.
package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the read/write boundary adapters receive. It is injected so tests
// can substitute an in-memory implementation.
type Store interface {
	// Load returns the raw credential blob for a channel. A missing file is
	// reported with an error satisfying os.IsNotExist / errors.Is(err,
	// fs.ErrNotExist); callers treat that as "not yet configured".
	Load(channel string) ([]byte, error)

	// Save writes the blob with owner-only permissions.
	Save(channel string, blob []byte) error

	// Delete removes a channel's blob (used when a network reports the
	// stored device session as logged out).
	Delete(channel string) error
}

// FileStore keeps one <channel>.json per channel under a credentials
// directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir (e.g.
// ~/.omnibridge/credentials). The directory is created on first Save, not
// here, so a read-only run never touches the filesystem.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(channel string) string {
	return filepath.Join(s.dir, channel+".json")
}

func (s *FileStore) Load(channel string) ([]byte, error) {
	data, err := os.ReadFile(s.path(channel))
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("credential file for %s is not valid JSON", channel)
	}
	return data, nil
}

func (s *FileStore) Save(channel string, blob []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("cannot create credentials directory: %w", err)
	}
	if !json.Valid(blob) {
		return fmt.Errorf("refusing to save non-JSON credential blob for %s", channel)
	}
	return os.WriteFile(s.path(channel), blob, 0o600)
}

func (s *FileStore) Delete(channel string) error {
	err := os.Remove(s.path(channel))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadInto unmarshals a channel's blob into v. Missing-file errors pass
// through unchanged so callers can keep the unconfigured steady state.
func LoadInto(s Store, channel string, v any) error {
	data, err := s.Load(channel)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cannot parse credentials for %s: %w", channel, err)
	}
	return nil
}

// SaveFrom marshals v and stores it as the channel's blob.
func SaveFrom(s Store, channel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal credentials for %s: %w", channel, err)
	}
	return s.Save(channel, data)
}
