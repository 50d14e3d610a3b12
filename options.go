package shadowkv

import (
	"os"
	"time"

	"go.uber.org/zap"
)

// Options configures a database at Open time. The page size and other
// environment-derived values are captured here once and threaded through
// the engine; nothing reads process-global state afterwards.
type Options struct {
	// PageSize is the physical page size. Defaults to the OS page size.
	// Must match the size an existing file was created with.
	PageSize int

	// NodeCacheBytes bounds the shared cache of materialized tree nodes.
	// Zero disables the cache.
	NodeCacheBytes int64

	// WriterLockTimeout bounds how long Begin(true) waits for the writer
	// lock before returning ErrLocked. Zero blocks indefinitely.
	WriterLockTimeout time.Duration

	// Logger receives structured engine events. Defaults to a no-op
	// logger.
	Logger *zap.Logger
}

// DefaultOptions returns the options used when Open is passed nil.
func DefaultOptions() *Options {
	return &Options{
		PageSize:       os.Getpagesize(),
		NodeCacheBytes: 16 << 20,
	}
}

// withDefaults fills unset fields.
func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.PageSize == 0 {
		out.PageSize = os.Getpagesize()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}
