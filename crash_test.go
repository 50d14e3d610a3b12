package shadowkv

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oda/shadowkv/internal/pager"
)

var errInjected = errors.New("injected write failure")

// openRaw opens the database file directly, bypassing the engine.
func openRaw(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0666)
}

// seedDB opens a fresh database and commits bucket "b" with k=v1.
func seedDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crash.db")
	db, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket("b")
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v1"))
	}))
	return db, path
}

func requireValue(t *testing.T, db *DB, want string) {
	t.Helper()
	require.NoError(t, db.View(func(tx *Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		v, err := b.Get([]byte("k"))
		if err != nil {
			return err
		}
		require.Equal(t, []byte(want), v)
		return nil
	}))
}

// TestCommitFailsBeforeDataWrite drops every page write: the commit must
// abort and the previous state must survive, in-process and across reopen.
func TestCommitFailsBeforeDataWrite(t *testing.T) {
	db, path := seedDB(t)

	db.disk.SetWriteHook(func(pager.Pgid) error { return errInjected })
	err := db.Update(func(tx *Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v2"))
	})
	require.ErrorIs(t, err, errInjected)
	db.disk.SetWriteHook(nil)

	requireValue(t, db, "v1")

	require.NoError(t, db.Close())
	db2, err := Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()
	requireValue(t, db2, "v1")
}

// TestCommitFailsAtMetaWrite lets every data page reach the file but drops
// the meta write. The shadow pages are orphaned; the old meta stays active.
func TestCommitFailsAtMetaWrite(t *testing.T) {
	db, path := seedDB(t)

	db.disk.SetWriteHook(func(id pager.Pgid) error {
		if id <= 1 { // only the meta pages live below pgid 2
			return errInjected
		}
		return nil
	})
	err := db.Update(func(tx *Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v2"))
	})
	require.ErrorIs(t, err, errInjected)
	db.disk.SetWriteHook(nil)

	requireValue(t, db, "v1")

	require.NoError(t, db.Close())
	db2, err := Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()
	requireValue(t, db2, "v1")

	// The database still works after the failed commit.
	require.NoError(t, db2.Update(func(tx *Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v3"))
	}))
	requireValue(t, db2, "v3")
}

// TestTornMetaRecovery corrupts the most recent meta page on disk; open
// must fall back to the older valid copy.
func TestTornMetaRecovery(t *testing.T) {
	db, path := seedDB(t)

	// Two committed states so both meta slots carry data.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v2"))
	}))
	active := db.meta.MetaPgid()
	require.NoError(t, db.Close())

	// Tear the active meta's txid field so its checksum no longer matches.
	f, err := openRaw(path)
	require.NoError(t, err)
	off := int64(active)*int64(db.opts.PageSize) + pager.PageHeaderSize
	_, err = f.WriteAt([]byte{0xDE, 0xAD, 0xBE, 0xEF}, off+40)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db2, err := Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()
	// The older commit is the surviving state.
	requireValue(t, db2, "v1")
}
