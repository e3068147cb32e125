package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tejusbharadwaj/solarsync/internal/models"
)

const (
	credentialsFile = "tokens.json"
	cursorFile      = "cursor.json"
)

// Sealer protects the credential record at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

type cursorRecord struct {
	LastInterval int64 `json:"last_interval"`
}

// FileRepo keeps each record in its own JSON file inside a state directory.
//
// Writes go to a temporary file in the same directory which is synced and
// renamed over the target, followed by a sync of the directory itself.
type FileRepo struct {
	dir    string
	sealer Sealer
}

// FileOption configures a FileRepo.
type FileOption func(*FileRepo)

// WithSealer encrypts the credential record with s.
func WithSealer(s Sealer) FileOption {
	return func(r *FileRepo) {
		r.sealer = s
	}
}

// NewFileRepo creates dir if needed and returns a repository rooted there.
func NewFileRepo(dir string, opts ...FileOption) (*FileRepo, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	r := &FileRepo{dir: dir}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *FileRepo) LoadCredentials(ctx context.Context) (*models.CredentialSet, error) {
	data, err := r.read(credentialsFile)
	if err != nil {
		return nil, err
	}
	if r.sealer != nil {
		if data, err = r.sealer.Open(data); err != nil {
			return nil, fmt.Errorf("failed to open sealed credentials: %w", err)
		}
	}

	var creds models.CredentialSet
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

func (r *FileRepo) SaveCredentials(ctx context.Context, creds models.CredentialSet) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if r.sealer != nil {
		if data, err = r.sealer.Seal(data); err != nil {
			return fmt.Errorf("failed to seal credentials: %w", err)
		}
	}
	return r.replace(credentialsFile, data)
}

func (r *FileRepo) LoadCursor(ctx context.Context) (int64, error) {
	data, err := r.read(cursorFile)
	if err != nil {
		return 0, err
	}

	var rec cursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return rec.LastInterval, nil
}

func (r *FileRepo) SaveCursor(ctx context.Context, lastInterval int64) error {
	data, err := json.Marshal(cursorRecord{LastInterval: lastInterval})
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}
	return r.replace(cursorFile, data)
}

// Close is a no-op; files are not held open between calls.
func (r *FileRepo) Close() error {
	return nil
}

func (r *FileRepo) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// replace atomically swaps name for a file holding data.
func (r *FileRepo) replace(name string, data []byte) error {
	tmp, err := os.CreateTemp(r.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(r.dir, name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}

	dir, err := os.Open(r.dir)
	if err != nil {
		return fmt.Errorf("failed to open state dir: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync state dir: %w", err)
	}
	return nil
}

// Compile-time interface implementation check
var _ StateRepository = (*FileRepo)(nil)
