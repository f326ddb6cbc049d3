package service

import (
	"io/ioutil"
	"os"
	"path"

	"github.com/dgraph-io/badger/v3"
	"github.com/gofrs/flock"

	"github.com/hostwire/kvplug/kvplug"
)

// Store is a key-value backend for the KV service. Implementations must be
// safe for concurrent use and must make each Put atomic: a concurrent Get
// sees either the previous value or the new one, never a partial write.
type Store interface {

	// Put stores inValue under inKey, replacing any previous value.
	Put(inKey string, inValue []byte) error

	// Get returns the value stored under inKey, or a KeyNotFound error.
	Get(inKey string) ([]byte, error)

	// Close releases the backend's resources.
	Close() error
}

// NewStore opens the backend named by inBackend ("file" or "badger") rooted
// at inDir, creating the directory as needed.
func NewStore(inBackend string, inDir string) (Store, error) {
	if err := os.MkdirAll(inDir, 0755); err != nil {
		return nil, kvplug.Errorf(err, kvplug.StorageFailure, "failed to create storage dir '%s'", inDir)
	}

	switch inBackend {
	case "", "file":
		return &FileStore{dir: inDir}, nil
	case "badger":
		return OpenBadgerStore(inDir)
	}

	return nil, kvplug.Errorf(nil, kvplug.ParamMissing, "unknown storage backend '%s'", inBackend)
}

// FileStore keeps each key in its own flat file named kv-data-<key>, a
// layout shared with peer implementations so cross-runtime checks can read
// each other's entries. Writes go to a temp file in the same directory and
// are renamed into place under an advisory lock.
type FileStore struct {
	dir string
}

func (st *FileStore) pathFor(inKey string) string {
	return path.Join(st.dir, "kv-data-"+inKey)
}

// Put atomically replaces the value stored under inKey.
func (st *FileStore) Put(inKey string, inValue []byte) error {
	dst := st.pathFor(inKey)

	// The data file itself is the lock target. A separate "<dst>.lock" would
	// collide with the data path of key "<key>.lock" and make that key
	// readable as empty bytes without ever being written.
	lock := flock.New(dst)
	if err := lock.Lock(); err != nil {
		return kvplug.Errorf(err, kvplug.StorageFailure, "failed to lock '%s'", dst)
	}
	defer lock.Unlock()

	tmp, err := ioutil.TempFile(st.dir, ".kv-tmp-")
	if err != nil {
		return kvplug.Errorf(err, kvplug.StorageFailure, "failed to create temp file in '%s'", st.dir)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(inValue); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return kvplug.Errorf(err, kvplug.StorageFailure, "failed to write temp file for '%s'", inKey)
	}

	if err = os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return kvplug.Errorf(err, kvplug.StorageFailure, "failed to publish '%s'", dst)
	}

	return nil
}

// Get returns the value stored under inKey.
func (st *FileStore) Get(inKey string) ([]byte, error) {
	data, err := ioutil.ReadFile(st.pathFor(inKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kvplug.Errorf(nil, kvplug.KeyNotFound, "key '%s' not found", inKey)
		}
		return nil, kvplug.Errorf(err, kvplug.StorageFailure, "failed to read '%s'", inKey)
	}
	return data, nil
}

// Close is a no-op for the flat-file backend.
func (st *FileStore) Close() error {
	return nil
}

// BadgerStore is an embedded-LSM backend for hosts that keep many entries.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a badger db rooted at inDir.
func OpenBadgerStore(inDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path.Join(inDir, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.StorageFailure, "failed to open badger db in '%s'", inDir)
	}
	return &BadgerStore{db: db}, nil
}

// Put stores inValue under inKey.
func (st *BadgerStore) Put(inKey string, inValue []byte) error {
	err := st.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(inKey), inValue)
	})
	if err != nil {
		return kvplug.Errorf(err, kvplug.StorageFailure, "badger put of '%s' failed", inKey)
	}
	return nil
}

// Get returns the value stored under inKey.
func (st *BadgerStore) Get(inKey string) ([]byte, error) {
	var value []byte

	err := st.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(inKey))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, kvplug.Errorf(nil, kvplug.KeyNotFound, "key '%s' not found", inKey)
	}
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.StorageFailure, "badger get of '%s' failed", inKey)
	}
	return value, nil
}

// Close shuts the db down.
func (st *BadgerStore) Close() error {
	return st.db.Close()
}
