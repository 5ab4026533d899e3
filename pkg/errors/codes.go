package errors

// ErrorCode represents a standardized way to categorize different types of errors.
type ErrorCode string

// Base error codes represent the fundamental categories of failures that can
// occur across any software system. These codes provide the foundation layer
// of error classification.
const (
	// ErrorCodeIO represents failures in input/output operations across any
	// system boundary. This includes file system operations like reading or
	// writing partition files, network operations when communicating with
	// remote systems, and device I/O when accessing storage hardware.
	ErrorCodeIO ErrorCode = "IO_ERROR"

	// ErrorCodeInvalidInput represents client-side errors where the provided
	// data doesn't meet the system's requirements or constraints. This maps
	// to HTTP 400-series errors and indicates problems with the request itself
	// rather than system failures.
	ErrorCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrorCodeInternal represents unexpected system failures that don't fit
	// into other categories. These are the equivalent of HTTP 500 errors and
	// indicate bugs, assertion failures, or other programming errors that
	// shouldn't occur during normal operation.
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrorCodeClosed indicates an operation was attempted on a resource
	// (partition, index, storage, consumer) that has already been closed.
	ErrorCodeClosed ErrorCode = "RESOURCE_CLOSED"
)

// Storage-specific error codes extend the base error taxonomy to handle the
// unique failure modes that occur in persistent storage systems: partition
// file corruption, header/version mismatches, and the underlying I/O
// conditions a partition file can hit.
const (
	// ErrorCodeCorruptFile indicates that a partition or index file's framing
	// could not be parsed as written: a torn write, a bad length prefix, or a
	// document/entry that runs past the end of the file.
	ErrorCodeCorruptFile ErrorCode = "CORRUPT_FILE"

	// ErrorCodeInvalidHeader indicates that a file's magic bytes did not
	// match what this package expects, so the file is not a partition/index
	// this engine wrote.
	ErrorCodeInvalidHeader ErrorCode = "INVALID_HEADER"

	// ErrorCodeVersionMismatch indicates the file's magic matched but its
	// version byte did not, meaning the file was written by an incompatible
	// version of this engine.
	ErrorCodeVersionMismatch ErrorCode = "VERSION_MISMATCH"

	// ErrorCodeInvalidDataSize indicates a caller-supplied expected size for
	// a read did not match the size actually recorded on disk.
	ErrorCodeInvalidDataSize ErrorCode = "INVALID_DATA_SIZE"

	// ErrorCodeRecoveryFailed indicates that the storage system's attempt to
	// recover from a previous failure was unsuccessful. This represents a
	// compound failure where both the original problem and the recovery
	// mechanism have failed, creating a more serious operational situation.
	ErrorCodeRecoveryFailed ErrorCode = "STORAGE_RECOVERY_FAILED"

	// ErrorCodePermissionDenied indicates insufficient permissions to access a resource.
	// This is distinct from generic IO errors because it has a specific resolution path:
	// the user needs to adjust file/directory permissions or run with elevated privileges.
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrorCodeDiskFull indicates that the storage device has run out of space.
	// This requires specific handling like cleanup operations or alerting administrators.
	ErrorCodeDiskFull ErrorCode = "DISK_FULL"

	// ErrorCodeFilesystemReadonly indicates that the filesystem is mounted read-only.
	// This requires administrative intervention to remount the filesystem with write permissions.
	ErrorCodeFilesystemReadonly ErrorCode = "FILESYSTEM_READONLY"
)

// Index-specific error codes describe failures during positional-index
// operations: a corrupted entry region, a metadata mismatch on reopen, or
// an entry-size mismatch against the schema the caller compiled with.
const (
	// ErrorCodeIndexCorrupted indicates an index file's entry region could
	// not be parsed as a whole number of fixed-size records.
	ErrorCodeIndexCorrupted ErrorCode = "INDEX_CORRUPTED"

	// ErrorCodeIndexEntrySizeMismatch indicates a reopened index's on-disk
	// ENTRY_SIZE does not match the schema the caller compiled with.
	ErrorCodeIndexEntrySizeMismatch ErrorCode = "INDEX_ENTRY_SIZE_MISMATCH"

	// ErrorCodeMetadataMismatch indicates an index was reopened with
	// metadata that does not byte-for-byte match what is already persisted
	// in its header.
	ErrorCodeMetadataMismatch ErrorCode = "METADATA_MISMATCH"
)

// Concurrency error codes cover the cross-process coordination failures
// unique to a single-writer, multi-reader store: a second writer finding
// the directory already locked, and a commit whose expected version no
// longer matches the stream's head.
const (
	// ErrorCodeLockHeld indicates a writable Storage could not acquire the
	// directory lock because another writer already holds it.
	ErrorCodeLockHeld ErrorCode = "LOCK_HELD"

	// ErrorCodeOptimisticConcurrency indicates a commit's expected stream
	// version did not match the stream's current version.
	ErrorCodeOptimisticConcurrency ErrorCode = "OPTIMISTIC_CONCURRENCY"
)

// Stream error codes cover failures specific to write-stream/read-stream
// naming and matcher persistence.
const (
	// ErrorCodeStreamExists indicates CreateStream was called with a name
	// that already has a read stream registered.
	ErrorCodeStreamExists ErrorCode = "STREAM_EXISTS"

	// ErrorCodeStreamNotFound indicates an operation referenced a stream
	// name with no registered write or read stream.
	ErrorCodeStreamNotFound ErrorCode = "STREAM_NOT_FOUND"

	// ErrorCodeMatcherFingerprintMismatch indicates a persisted matcher's
	// HMAC fingerprint did not verify against the configured secret,
	// meaning the stored matcher source may have been tampered with.
	ErrorCodeMatcherFingerprintMismatch ErrorCode = "MATCHER_FINGERPRINT_MISMATCH"
)

// State error codes cover programmer errors about an object's lifecycle
// state: mutating something that has committed to a shape it can no longer
// change.
const (
	// ErrorCodeInvalidState indicates an operation is not valid given the
	// object's current lifecycle state, such as changing an event stream's
	// bounds after iteration has already begun.
	ErrorCodeInvalidState ErrorCode = "INVALID_STATE"
)
