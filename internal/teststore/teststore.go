// Package teststore is the simulator's scratch store: an LMDB-backed key
// value file that lets cmd/horizon-sim persist state across repeated
// invocations the way a real device would persist it across reboots --
// the mounted RAM block device's contents -- without requiring a real
// flash part. It also offers SaveGNSSOffset/LoadGNSSOffset for a GNSS
// assistance-database offset; cmd/horizon-sim does not call them.
// Grounded on store.DBStore, which plays the same "durable single-file KV
// store" role for the mender agent's own state.
package teststore

import (
	"os"
	"path"

	"github.com/bmatsuo/lmdb-go/lmdb"
	"github.com/pkg/errors"

	"github.com/arribada/horizon-core/internal/corelog"
	"github.com/arribada/horizon-core/pkg/blockdev"
)

const fileName = "horizon-sim-store"

var (
	// ErrNotInitialized is returned by every operation once Close has run.
	ErrNotInitialized = errors.New("teststore: not initialized")

	log = corelog.For("teststore")
)

// Store is a durable key/value scratch space for the simulator harness.
type Store struct {
	env *lmdb.Env
}

// Open creates or opens the store's single backing file under dir.
func Open(dir string) (*Store, error) {
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "teststore: create environment")
	}
	if err := env.Open(path.Join(dir, fileName), lmdb.NoSubdir, 0600); err != nil {
		return nil, errors.Wrap(err, "teststore: open environment")
	}
	return &Store{env: env}, nil
}

// Close releases the LMDB environment. Further calls return
// ErrNotInitialized.
func (s *Store) Close() error {
	if s.env == nil {
		return nil
	}
	err := s.env.Close()
	s.env = nil
	if err != nil {
		return errors.Wrap(err, "teststore: close environment")
	}
	return nil
}

// ReadAll returns the full value stored under key, or os.ErrNotExist if
// absent (matching store.DBStore's read-miss convention).
func (s *Store) ReadAll(key string) ([]byte, error) {
	if s.env == nil {
		return nil, ErrNotInitialized
	}
	var out []byte
	err := s.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		data, err := txn.Get(dbi, []byte(key))
		if err != nil {
			return err
		}
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		if lmdb.IsNotFound(err) {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrapf(err, "teststore: read %s", key)
	}
	return out, nil
}

// WriteAll stores data under key, replacing any existing value.
func (s *Store) WriteAll(key string, data []byte) error {
	if s.env == nil {
		return ErrNotInitialized
	}
	err := s.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return txn.Put(dbi, []byte(key), data, 0)
	})
	if err != nil {
		return errors.Wrapf(err, "teststore: write %s", key)
	}
	return nil
}

// Remove deletes key, succeeding silently if it was already absent.
func (s *Store) Remove(key string) error {
	if s.env == nil {
		return ErrNotInitialized
	}
	err := s.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		if err := txn.Del(dbi, []byte(key), nil); err != nil {
			if opErr, ok := err.(*lmdb.OpError); ok && opErr.Errno == lmdb.NotFound {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "teststore: remove %s", key)
	}
	return nil
}

const snapshotKeyPrefix = "ram-fs:"

// SaveSnapshot dumps every block of dev into the store under a single key
// so the next simulator invocation can reopen the same mounted file
// system instead of starting from an erased part.
func (s *Store) SaveSnapshot(name string, dev blockdev.Device) error {
	buf := make([]byte, dev.BlockSize())
	blob := make([]byte, 0, dev.BlockCount()*dev.BlockSize())
	for b := uint32(0); b < dev.BlockCount(); b++ {
		if err := dev.Read(b, 0, buf); err != nil {
			return errors.Wrapf(err, "teststore: read block %d for snapshot", b)
		}
		blob = append(blob, buf...)
	}
	return s.WriteAll(snapshotKeyPrefix+name, blob)
}

// RemoveSnapshot discards a previously saved block device image, if any.
func (s *Store) RemoveSnapshot(name string) error {
	return s.Remove(snapshotKeyPrefix + name)
}

// LoadSnapshot restores a previously saved block device image into dev,
// block by block. ok is false if no snapshot with this name exists yet.
func (s *Store) LoadSnapshot(name string, dev blockdev.Device) (ok bool, err error) {
	blob, err := s.ReadAll(snapshotKeyPrefix + name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	blockSize := dev.BlockSize()
	if uint32(len(blob)) != dev.BlockCount()*blockSize {
		log.Warnf("teststore: snapshot %s size mismatch, ignoring", name)
		return false, nil
	}
	for b := uint32(0); b < dev.BlockCount(); b++ {
		if err := dev.Erase(b); err != nil {
			return false, errors.Wrapf(err, "teststore: erase block %d restoring snapshot", b)
		}
		if err := dev.Program(b, 0, blob[b*blockSize:(b+1)*blockSize]); err != nil {
			return false, errors.Wrapf(err, "teststore: program block %d restoring snapshot", b)
		}
	}
	return true, dev.Sync()
}

const gnssOffsetKey = "gnss-assist-offset"

// SaveGNSSOffset persists the GNSS driver's last-run assistance-database
// offset across simulator invocations.
func (s *Store) SaveGNSSOffset(offset uint32) error {
	return s.WriteAll(gnssOffsetKey, []byte{
		byte(offset), byte(offset >> 8), byte(offset >> 16), byte(offset >> 24),
	})
}

// LoadGNSSOffset returns the last saved offset, or ok=false if none was
// ever saved.
func (s *Store) LoadGNSSOffset() (offset uint32, ok bool, err error) {
	data, err := s.ReadAll(gnssOffsetKey)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(data) != 4 {
		return 0, false, nil
	}
	offset = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return offset, true, nil
}
