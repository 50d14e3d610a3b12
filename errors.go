package shadowkv

import (
	"errors"

	"github.com/oda/shadowkv/internal/pager"
)

// Errors surfaced by the storage layer. They alias the pager's sentinels so
// callers can match with errors.Is without importing internal packages.
var (
	// ErrLocked is returned when the database file's advisory lock is
	// held by another opener, or when the writer lock cannot be acquired
	// within the configured timeout.
	ErrLocked = pager.ErrLocked

	// ErrCorrupt is returned when a page or meta fails its magic or
	// checksum assertion. At open it is fatal.
	ErrCorrupt = pager.ErrCorrupt

	// ErrVersionMismatch is returned when the file was written by an
	// incompatible format version or page size.
	ErrVersionMismatch = pager.ErrVersionMismatch
)

// Errors reported by database and transaction lifecycle operations.
var (
	// ErrDatabaseNotOpen is returned when a database is used after Close.
	ErrDatabaseNotOpen = errors.New("shadowkv: database not open")

	// ErrOpenTransactions is returned by Close while transactions are
	// still open.
	ErrOpenTransactions = errors.New("shadowkv: transactions still open")

	// ErrTxClosed is returned when a committed or rolled-back
	// transaction is used again.
	ErrTxClosed = errors.New("shadowkv: transaction closed")

	// ErrTxNotWritable is returned when a mutation is attempted on a
	// read-only transaction.
	ErrTxNotWritable = errors.New("shadowkv: transaction is read-only")
)

// Errors reported by bucket and key/value operations.
var (
	// ErrBucketNotFound is returned when looking up a bucket that does
	// not exist.
	ErrBucketNotFound = errors.New("shadowkv: bucket not found")

	// ErrBucketExists is returned when creating a bucket that already
	// exists.
	ErrBucketExists = errors.New("shadowkv: bucket already exists")

	// ErrBucketNameRequired is returned when creating a bucket with an
	// empty name.
	ErrBucketNameRequired = errors.New("shadowkv: bucket name required")

	// ErrKeyRequired is returned when a zero-length key is given.
	ErrKeyRequired = errors.New("shadowkv: key required")

	// ErrKeyNotFound is returned by Get for an absent key.
	ErrKeyNotFound = errors.New("shadowkv: key not found")

	// ErrKeyTooLarge is returned when a key exceeds MaxKeySize.
	ErrKeyTooLarge = errors.New("shadowkv: key too large")

	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("shadowkv: value too large")
)

const (
	// MaxKeySize is the largest accepted key, in bytes.
	MaxKeySize = 32768

	// MaxValueSize is the largest accepted value, in bytes. Values
	// larger than a page are stored on overflow pages.
	MaxValueSize = (1 << 31) - 2
)
