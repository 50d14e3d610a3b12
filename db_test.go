package shadowkv_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oda/shadowkv"
)

func openTestDB(t *testing.T) (*shadowkv.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := shadowkv.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestOpenClose(t *testing.T) {
	db, _ := openTestDB(t)
	require.NoError(t, db.Close())
	// Closing twice is harmless.
	require.NoError(t, db.Close())
}

func TestOpenLocked(t *testing.T) {
	db, path := openTestDB(t)

	_, err := shadowkv.Open(path, nil)
	require.ErrorIs(t, err, shadowkv.ErrLocked)

	require.NoError(t, db.Close())
	db2, err := shadowkv.Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestPutCommitReopenGet(t *testing.T) {
	db, path := openTestDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := tx.CreateBucket("b")
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Close())

	db2, err := shadowkv.Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()

	rtx, err := db2.Begin(false)
	require.NoError(t, err)
	defer rtx.Rollback()
	b2, err := rtx.GetBucket("b")
	require.NoError(t, err)
	v, err := b2.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestIterationOrder(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.CreateBucket("letters")
		if err != nil {
			return err
		}
		// Insert a..z shuffled; values are empty.
		for _, i := range []int{13, 0, 25, 7, 19, 2, 11, 23, 5, 17, 9, 21,
			3, 15, 1, 24, 8, 20, 4, 16, 10, 22, 6, 18, 12, 14} {
			if err := b.Put([]byte{byte('a' + i)}, nil); err != nil {
				return err
			}
		}
		return nil
	}))

	var got []byte
	require.NoError(t, db.View(func(tx *shadowkv.Tx) error {
		b, err := tx.GetBucket("letters")
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			require.Empty(t, v)
			got = append(got, k...)
			return nil
		})
	}))
	require.Equal(t, "abcdefghijklmnopqrstuvwxyz", string(got))
}

func TestRollbackDiscards(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.CreateBucket("b")
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v1"))
	}))

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := tx.GetBucket("b")
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v2")))
	require.NoError(t, tx.Rollback())

	require.NoError(t, db.View(func(tx *shadowkv.Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		v, err := b.Get([]byte("k"))
		if err != nil {
			return err
		}
		require.Equal(t, []byte("v1"), v)
		return nil
	}))
}

func TestReadIsolation(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.CreateBucket("b")
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("before"))
	}))

	// The reader snapshots before the writer commits.
	rtx, err := db.Begin(false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- db.Update(func(tx *shadowkv.Tx) error {
			b, err := tx.GetBucket("b")
			if err != nil {
				return err
			}
			if err := b.Put([]byte("k"), []byte("after")); err != nil {
				return err
			}
			return b.Put([]byte("k2"), []byte("new"))
		})
	}()
	require.NoError(t, <-done)

	rb, err := rtx.GetBucket("b")
	require.NoError(t, err)
	v, err := rb.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("before"), v)
	_, err = rb.Get([]byte("k2"))
	require.ErrorIs(t, err, shadowkv.ErrKeyNotFound)
	require.NoError(t, rtx.Rollback())

	// A fresh reader sees the committed state.
	require.NoError(t, db.View(func(tx *shadowkv.Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		v, err := b.Get([]byte("k"))
		if err != nil {
			return err
		}
		require.Equal(t, []byte("after"), v)
		return nil
	}))
}

func TestMonotonicTxid(t *testing.T) {
	db, _ := openTestDB(t)

	last := db.Stats().Txid
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
			b, err := tx.CreateBucket(fmt.Sprintf("b%d", i))
			if err != nil {
				return err
			}
			return b.Put([]byte("k"), []byte("v"))
		}))
		cur := db.Stats().Txid
		require.Equal(t, last+1, cur)
		last = cur
	}
}

func TestBulkValuesAndFileSize(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk test")
	}
	db, path := openTestDB(t)

	const n = 10000
	value := bytes.Repeat([]byte{0xAB}, 1024)
	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.CreateBucket("bulk")
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := b.Put([]byte(fmt.Sprintf("key-%06d", i)), value); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *shadowkv.Tx) error {
		b, err := tx.GetBucket("bulk")
		if err != nil {
			return err
		}
		for i := 0; i < n; i += 97 {
			v, err := b.Get([]byte(fmt.Sprintf("key-%06d", i)))
			if err != nil {
				return err
			}
			require.Equal(t, value, v)
		}
		return nil
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	payload := int64(n * 1024)
	require.Greater(t, info.Size(), payload)
	// Page fill targets ~50%, so allow a generous overhead factor.
	require.Less(t, info.Size(), payload*4)
}

func TestLargeValueOverflow(t *testing.T) {
	db, path := openTestDB(t)

	big := bytes.Repeat([]byte{0x5A}, 5*4096+123)
	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.CreateBucket("b")
		if err != nil {
			return err
		}
		return b.Put([]byte("big"), big)
	}))
	require.NoError(t, db.Close())

	db2, err := shadowkv.Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, db2.View(func(tx *shadowkv.Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		v, err := b.Get([]byte("big"))
		if err != nil {
			return err
		}
		require.Equal(t, big, v)
		return nil
	}))
}

func TestBucketLifecycle(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		if _, err := tx.CreateBucket("a"); err != nil {
			return err
		}
		_, err := tx.CreateBucket("a")
		require.ErrorIs(t, err, shadowkv.ErrBucketExists)

		_, err = tx.CreateBucket("")
		require.ErrorIs(t, err, shadowkv.ErrBucketNameRequired)

		_, err = tx.GetBucket("missing")
		require.ErrorIs(t, err, shadowkv.ErrBucketNotFound)
		return nil
	}))

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.GetBucket("a")
		if err != nil {
			return err
		}
		if err := b.Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return nil
	}))

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		return tx.DeleteBucket("a")
	}))

	err := db.View(func(tx *shadowkv.Tx) error {
		_, err := tx.GetBucket("a")
		return err
	})
	require.ErrorIs(t, err, shadowkv.ErrBucketNotFound)
}

func TestForEachBucket(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		for _, name := range []string{"zeta", "alpha", "mid"} {
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	}))

	var names []string
	require.NoError(t, db.View(func(tx *shadowkv.Tx) error {
		return tx.ForEachBucket(func(name string) error {
			names = append(names, name)
			return nil
		})
	}))
	require.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestNextSequence(t *testing.T) {
	db, path := openTestDB(t)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.CreateBucket("seq")
		if err != nil {
			return err
		}
		for want := uint64(1); want <= 3; want++ {
			got, err := b.NextSequence()
			if err != nil {
				return err
			}
			require.Equal(t, want, got)
		}
		return nil
	}))
	require.NoError(t, db.Close())

	// The sequence persists.
	db2, err := shadowkv.Open(path, nil)
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, db2.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.GetBucket("seq")
		if err != nil {
			return err
		}
		got, err := b.NextSequence()
		if err != nil {
			return err
		}
		require.Equal(t, uint64(4), got)
		return nil
	}))
}

func TestInvalidArguments(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.CreateBucket("b")
		if err != nil {
			return err
		}
		require.ErrorIs(t, b.Put(nil, []byte("v")), shadowkv.ErrKeyRequired)
		require.ErrorIs(t, b.Put([]byte{}, []byte("v")), shadowkv.ErrKeyRequired)

		huge := make([]byte, shadowkv.MaxKeySize+1)
		require.ErrorIs(t, b.Put(huge, nil), shadowkv.ErrKeyTooLarge)

		_, err = b.Get(nil)
		require.ErrorIs(t, err, shadowkv.ErrKeyRequired)
		return nil
	}))
}

func TestTxClosedErrors(t *testing.T) {
	db, _ := openTestDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := tx.CreateBucket("b")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.ErrorIs(t, tx.Commit(), shadowkv.ErrTxClosed)
	require.ErrorIs(t, tx.Rollback(), shadowkv.ErrTxClosed)
	require.ErrorIs(t, b.Put([]byte("k"), nil), shadowkv.ErrTxClosed)
	_, err = b.Get([]byte("k"))
	require.ErrorIs(t, err, shadowkv.ErrTxClosed)
	_, err = tx.GetBucket("b")
	require.ErrorIs(t, err, shadowkv.ErrTxClosed)
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		_, err := tx.CreateBucket("b")
		return err
	}))

	require.NoError(t, db.View(func(tx *shadowkv.Tx) error {
		_, err := tx.CreateBucket("nope")
		require.ErrorIs(t, err, shadowkv.ErrTxNotWritable)

		require.ErrorIs(t, tx.DeleteBucket("b"), shadowkv.ErrTxNotWritable)

		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		require.ErrorIs(t, b.Put([]byte("k"), nil), shadowkv.ErrTxNotWritable)
		require.ErrorIs(t, b.Delete([]byte("k")), shadowkv.ErrTxNotWritable)
		return nil
	}))
}

func TestCloseRefusesWithOpenTx(t *testing.T) {
	db, _ := openTestDB(t)

	tx, err := db.Begin(false)
	require.NoError(t, err)

	require.ErrorIs(t, db.Close(), shadowkv.ErrOpenTransactions)
	require.NoError(t, tx.Rollback())
	require.NoError(t, db.Close())
}

func TestDeleteThenGet(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		b, err := tx.CreateBucket("b")
		if err != nil {
			return err
		}
		if err := b.Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return b.Delete([]byte("k"))
	}))

	err := db.View(func(tx *shadowkv.Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		_, err = b.Get([]byte("k"))
		return err
	})
	require.ErrorIs(t, err, shadowkv.ErrKeyNotFound)
}

func TestPutIdempotent(t *testing.T) {
	db, _ := openTestDB(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
			b, err := tx.GetBucket("b")
			if err != nil {
				b, err = tx.CreateBucket("b")
				if err != nil {
					return err
				}
			}
			return b.Put([]byte("k"), []byte("v"))
		}))
	}

	require.NoError(t, db.View(func(tx *shadowkv.Tx) error {
		b, err := tx.GetBucket("b")
		if err != nil {
			return err
		}
		v, err := b.Get([]byte("k"))
		if err != nil {
			return err
		}
		require.Equal(t, []byte("v"), v)
		c := b.Cursor()
		k, _, err := c.First()
		if err != nil {
			return err
		}
		require.Equal(t, []byte("k"), k)
		k, _, err = c.Next()
		if err != nil {
			return err
		}
		require.Nil(t, k)
		return nil
	}))
}

func TestStats(t *testing.T) {
	db, _ := openTestDB(t)

	s := db.Stats()
	require.Equal(t, uint64(1), s.Txid) // freshly formatted
	require.Equal(t, 0, s.OpenTxs)

	require.NoError(t, db.Update(func(tx *shadowkv.Tx) error {
		_, err := tx.CreateBucket("b")
		return err
	}))

	s = db.Stats()
	require.Equal(t, uint64(2), s.Txid)
	require.GreaterOrEqual(t, s.Watermark, uint64(4))
}
