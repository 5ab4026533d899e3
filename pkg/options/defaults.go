package options

import "time"

const (
	// Specifies the default base directory where the event store will keep its data files.
	// If no other directory is specified during initialization, this path will be used.
	DefaultDataDir = "/var/lib/eventstore"

	// Defines the default time a writer waits before reclaiming a stale
	// directory lock left by a writer that crashed without releasing it.
	DefaultLockReclaimTimeout = 30 * time.Second

	// Specifies the default subdirectory within the main data directory
	// where partition files will be stored.
	DefaultPartitionDirectory = "/partitions"

	// Default size, in bytes, of the buffered reader used by ReadFrom: a
	// 10-byte ASCII length header plus 4096 bytes of payload read-ahead.
	DefaultReadBufferSize = 4096 + 10

	// Default size, in bytes, of the buffered writer batching appends.
	DefaultWriteBufferSize = 16384

	// Default cap on buffered documents before a flush is forced.
	DefaultMaxWriteBufferDocuments = 1000

	// Default durability mode: flush to the OS, but don't force fsync on
	// every flush.
	DefaultSyncOnFlush = false

	// Default number of page-sized read buffers kept in the index's LRU cache.
	DefaultIndexPageCacheSize = 256

	// Specifies the default subdirectory within the main data directory
	// where consumer checkpoint files will be stored.
	DefaultConsumerCheckpointDirectory = "/consumers"
)

// Holds the default configuration settings for an event store instance.
var defaultOptions = Options{
	DataDir:            DefaultDataDir,
	LockReclaimTimeout: DefaultLockReclaimTimeout,
	PartitionOptions: &partitionOptions{
		Directory:               DefaultPartitionDirectory,
		ReadBufferSize:          DefaultReadBufferSize,
		WriteBufferSize:         DefaultWriteBufferSize,
		MaxWriteBufferDocuments: DefaultMaxWriteBufferDocuments,
		SyncOnFlush:             DefaultSyncOnFlush,
	},
	IndexOptions: &indexOptions{
		PageCacheSize: DefaultIndexPageCacheSize,
	},
	ConsumerOptions: &consumerOptions{
		CheckpointDir: DefaultConsumerCheckpointDirectory,
	},
}

func NewDefaultOptions() Options {
	opts := defaultOptions
	partitionOpts := *defaultOptions.PartitionOptions
	indexOpts := *defaultOptions.IndexOptions
	consumerOpts := *defaultOptions.ConsumerOptions
	opts.PartitionOptions = &partitionOpts
	opts.IndexOptions = &indexOpts
	opts.ConsumerOptions = &consumerOpts
	return opts
}
