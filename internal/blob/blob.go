// Package blob stores raw flyer bytes on a durable filesystem.
package blob

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"

	"github.com/sells-group/dispensary-deals/internal/apperr"
)

// Store persists opaque blobs under relative keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// FSStore is a Store over an afero filesystem.
type FSStore struct {
	fs afero.Fs
}

// NewFS wraps fs.
func NewFS(fs afero.Fs) *FSStore {
	return &FSStore{fs: fs}
}

// NewOS stores blobs beneath root on the local disk.
func NewOS(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create root %s", root)
	}
	return NewFS(afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

// NewMemory returns an in-memory store.
func NewMemory() *FSStore {
	return NewFS(afero.NewMemMapFs())
}

// Key builds the deterministic storage key for a flyer.
func Key(dispensaryID, date, contentHash, ext string) string {
	return path.Join(dispensaryID, date, fmt.Sprintf("%s.%s", contentHash, ext))
}

func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)
	if k == "/" || strings.Contains(key, "..") {
		return "", apperr.New(apperr.KindValidation, "blob", "invalid key %q", key)
	}
	return k, nil
}

// Put writes data atomically: to a temp file first, then renamed into place.
func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(k), 0o755); err != nil {
		return apperr.Wrap(apperr.KindStorage, "blob.put", eris.Wrapf(err, "mkdir for %s", key))
	}
	tmp := k + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return apperr.Wrap(apperr.KindStorage, "blob.put", eris.Wrapf(err, "write %s", key))
	}
	if err := s.fs.Rename(tmp, k); err != nil {
		_ = s.fs.Remove(tmp)
		return apperr.Wrap(apperr.KindStorage, "blob.put", eris.Wrapf(err, "rename %s", key))
	}
	return nil
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, k)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, "blob.get", eris.Wrapf(err, "read %s", key))
		}
		return nil, apperr.Wrap(apperr.KindStorage, "blob.get", eris.Wrapf(err, "read %s", key))
	}
	return data, nil
}

// Delete removes key. A missing key is not an error.
func (s *FSStore) Delete(_ context.Context, key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(k); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindStorage, "blob.delete", eris.Wrapf(err, "remove %s", key))
	}
	return nil
}
