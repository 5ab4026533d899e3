// Package options provides data structures and functions for configuring
// the event store. It defines various parameters that control the store's
// storage behavior, performance, and recovery operations, such as directory
// paths, partition sizing, write buffering, and consumer checkpointing.
package options

import (
	"strings"
	"time"
)

// Defines configurable parameters for each partition file.
// It provides fine-grained control over partition behavior, performance, and resource utilization.
type partitionOptions struct {
	// Specifies where partition files are stored, relative to DataDir.
	//
	// Default: "/partitions"
	Directory string `json:"directory"`

	// Size in bytes of the buffered reader used by ReadFrom, sized to
	// comfortably hold one length-prefixed document header plus a small
	// read-ahead window (10-byte ASCII length header + 4096 bytes payload).
	//
	// Default: 4106 (4096 + 10)
	ReadBufferSize int `json:"readBufferSize"`

	// Size in bytes of the buffered writer batching appended documents
	// before they hit the kernel page cache.
	//
	// Default: 16384
	WriteBufferSize int `json:"writeBufferSize"`

	// Caps how many documents accumulate in the write buffer before a
	// flush is forced, independent of WriteBufferSize, so a burst of tiny
	// writes can't delay visibility indefinitely.
	//
	// Default: 1000
	MaxWriteBufferDocuments int `json:"maxWriteBufferDocuments"`

	// When true, every flush calls fsync on the underlying file in
	// addition to flushing userspace buffers, trading write throughput for
	// durability against an OS crash. When false, a flush only guarantees
	// visibility to other readers of the process's page cache.
	//
	// Default: false
	SyncOnFlush bool `json:"syncOnFlush"`
}

// Defines configurable parameters for the positional index.
type indexOptions struct {
	// Number of page-sized read buffers kept in the LRU cache backing
	// random-access Get/Range lookups.
	//
	// Default: 256
	PageCacheSize int `json:"pageCacheSize"`
}

// Defines configurable parameters for consumer checkpoint persistence.
type consumerOptions struct {
	// Directory under which consumer checkpoint files are written,
	// relative to DataDir.
	//
	// Default: "/consumers"
	CheckpointDir string `json:"checkpointDir"`
}

// Defines the configuration parameters for the event store.
// It provides control over storage, performance and recovery aspects.
type Options struct {
	// Specifies the base path where files will be stored.
	//
	// Default: "/var/lib/eventstore"
	DataDir string `json:"dataDir"`

	// Defines how long a writer waits to reclaim a stale directory lock
	// left behind by a writer that crashed without releasing it.
	//
	// Default: 30s
	LockReclaimTimeout time.Duration `json:"lockReclaimTimeout"`

	// Configures partition management including buffer sizes and flush
	// durability.
	PartitionOptions *partitionOptions `json:"partitionOptions"`

	// Configures the positional index's read-buffer cache.
	IndexOptions *indexOptions `json:"indexOptions"`

	// Configures where consumer checkpoints are persisted.
	ConsumerOptions *consumerOptions `json:"consumerOptions"`
}

// OptionFunc is a function type that modifies the event store's configuration.
type OptionFunc func(*Options)

// Applies a predefined set of default configuration values to the Options struct.
func WithDefaultOptions() OptionFunc {
	return func(o *Options) {
		opts := NewDefaultOptions()
		o.DataDir = opts.DataDir
		o.LockReclaimTimeout = opts.LockReclaimTimeout
		o.PartitionOptions = opts.PartitionOptions
		o.IndexOptions = opts.IndexOptions
		o.ConsumerOptions = opts.ConsumerOptions
	}
}

// Sets the primary data directory for the event store.
func WithDataDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.DataDir = directory
		}
	}
}

// Sets how long a writer waits before reclaiming a stale directory lock.
func WithLockReclaimTimeout(timeout time.Duration) OptionFunc {
	return func(o *Options) {
		if timeout > 0 {
			o.LockReclaimTimeout = timeout
		}
	}
}

// Sets the directory specifically for storing partition files.
func WithPartitionDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.PartitionOptions.Directory = directory
		}
	}
}

// Sets the buffered reader size used when reading documents back from a partition.
func WithReadBufferSize(size int) OptionFunc {
	return func(o *Options) {
		if size > 0 {
			o.PartitionOptions.ReadBufferSize = size
		}
	}
}

// Sets the buffered writer size used when appending documents to a partition.
func WithWriteBufferSize(size int) OptionFunc {
	return func(o *Options) {
		if size > 0 {
			o.PartitionOptions.WriteBufferSize = size
		}
	}
}

// Sets the maximum number of buffered documents before a forced flush.
func WithMaxWriteBufferDocuments(n int) OptionFunc {
	return func(o *Options) {
		if n > 0 {
			o.PartitionOptions.MaxWriteBufferDocuments = n
		}
	}
}

// Enables or disables fsync on every flush.
func WithSyncOnFlush(sync bool) OptionFunc {
	return func(o *Options) {
		o.PartitionOptions.SyncOnFlush = sync
	}
}

// Sets the number of page-sized read buffers kept in the index's LRU cache.
func WithIndexPageCacheSize(size int) OptionFunc {
	return func(o *Options) {
		if size > 0 {
			o.IndexOptions.PageCacheSize = size
		}
	}
}

// Sets the directory specifically for storing consumer checkpoint files.
func WithConsumerCheckpointDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.ConsumerOptions.CheckpointDir = directory
		}
	}
}
