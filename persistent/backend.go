package persistent

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/boltdb/bolt"
	"go.uber.org/multierr"
)

// FileBackend keeps the record in a single file. Writes go to a ".tmp"
// sibling which then atomically replaces the primary file. If the rename
// fails the primary is moved aside to ".bak" and replaced non-atomically.
type FileBackend struct {
	path string
	// rename is os.Rename, replaced in tests to simulate platforms without
	// atomic replace
	rename func(oldpath, newpath string) error
	// syncDir is syncDirectory, replaced in tests to simulate failing syncs
	syncDir func(dir string) error
}

var _ Backend = &FileBackend{}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:   path,
		rename:  os.Rename,
		syncDir: syncDirectory,
	}
}

func (b *FileBackend) tmpPath() string {
	return b.path + ".tmp"
}

func (b *FileBackend) bakPath() string {
	return b.path + ".bak"
}

func (b *FileBackend) Read() ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		// a fallback replace interrupted after moving the primary aside
		data, err = os.ReadFile(b.bakPath())
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}
	return data, err
}

func (b *FileBackend) Write(data []byte) error {
	if err := b.writeTemp(data); err != nil {
		return err
	}
	return b.replace()
}

func (b *FileBackend) writeTemp(data []byte) error {
	f, err := os.OpenFile(b.tmpPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(data)
	var syncErr error
	if writeErr == nil {
		syncErr = f.Sync()
	}
	return multierr.Combine(writeErr, syncErr, f.Close())
}

func (b *FileBackend) replace() error {
	err := b.rename(b.tmpPath(), b.path)
	if err != nil {
		if fallbackErr := b.replaceNonAtomic(); fallbackErr != nil {
			return multierr.Combine(err, fallbackErr)
		}
	}
	return b.syncDir(filepath.Dir(b.path))
}

func (b *FileBackend) replaceNonAtomic() error {
	if err := os.Rename(b.path, b.bakPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(b.tmpPath(), b.path); err != nil {
		// put the previous record back
		return multierr.Append(err, os.Rename(b.bakPath(), b.path))
	}
	if err := os.Remove(b.bakPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}

// syncDirectory makes the rename durable. Platforms that cannot open
// directories are skipped.
func syncDirectory(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	return multierr.Append(d.Sync(), d.Close())
}

var (
	metaBucketName = []byte("meta")
	metadataKey    = []byte("metadata")
)

// boltBackend stores the record in the bolt file of a log store. Bolt
// transactions give the atomic replace; the db is owned by the log store.
type boltBackend struct {
	db *bolt.DB
}

func newBoltBackend(db *bolt.DB) (*boltBackend, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucketName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) Read() ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if val := tx.Bucket(metaBucketName).Get(metadataKey); val != nil {
			// bolt memory is only valid inside the transaction
			data = append([]byte(nil), val...)
		}
		return nil
	})
	return data, err
}

func (b *boltBackend) Write(data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucketName).Put(metadataKey, data)
	})
}

func (b *boltBackend) Close() error {
	return nil
}
