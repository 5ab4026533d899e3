package errors

// IndexError provides specialized error handling for positional-index
// operations. This structure extends the base error system with
// index-specific context while properly supporting method chaining through
// all base error methods.
type IndexError struct {
	// Embed the base error to inherit all standard error functionality
	// including error chaining, structured details, and error codes.
	*baseError

	// entryNumber identifies which 1-based entry number was being accessed
	// when the error occurred, if applicable.
	entryNumber int64

	// key identifies which index key (IndexEntry.Number) was being searched
	// for when the error occurred, if applicable.
	key int64

	// operation describes what index operation was being performed when the
	// error occurred (e.g. "Get", "Find", "Add", "Truncate"). This context
	// helps understand the system state and user actions that led to the error.
	operation string

	// indexSize captures the size of the index at the time of the error.
	indexSize int64
}

// NewIndexError creates a new index-specific error with the provided context.
func NewIndexError(err error, code ErrorCode, msg string) *IndexError {
	return &IndexError{
		baseError: NewBaseError(err, code, msg),
	}
}

// Override base error methods to return *IndexError instead of *baseError.

// WithMessage updates the error message while maintaining the IndexError type.
func (ie *IndexError) WithMessage(msg string) *IndexError {
	ie.baseError.WithMessage(msg)
	return ie
}

// WithCode sets the error code while preserving the IndexError type.
func (ie *IndexError) WithCode(code ErrorCode) *IndexError {
	ie.baseError.WithCode(code)
	return ie
}

// WithDetail adds contextual information while maintaining the IndexError type.
func (ie *IndexError) WithDetail(key string, value any) *IndexError {
	ie.baseError.WithDetail(key, value)
	return ie
}

// WithEntryNumber records which 1-based entry number was being accessed.
func (ie *IndexError) WithEntryNumber(n int64) *IndexError {
	ie.entryNumber = n
	return ie
}

// WithKey records which key was being searched for.
func (ie *IndexError) WithKey(key int64) *IndexError {
	ie.key = key
	return ie
}

// WithOperation records what index operation was being performed.
func (ie *IndexError) WithOperation(operation string) *IndexError {
	ie.operation = operation
	return ie
}

// WithIndexSize captures the size of the index when the error occurred.
func (ie *IndexError) WithIndexSize(size int64) *IndexError {
	ie.indexSize = size
	return ie
}

// EntryNumber returns the entry number that was being accessed.
func (ie *IndexError) EntryNumber() int64 {
	return ie.entryNumber
}

// Key returns the key that was being searched for.
func (ie *IndexError) Key() int64 {
	return ie.key
}

// Operation returns the name of the operation that was being performed.
func (ie *IndexError) Operation() string {
	return ie.operation
}

// IndexSize returns the size of the index when the error occurred.
func (ie *IndexError) IndexSize() int64 {
	return ie.indexSize
}

// NewIndexCorruptionError creates an error for index corruption scenarios:
// an entry region whose length isn't a whole multiple of ENTRY_SIZE, or a
// record that fails to parse.
func NewIndexCorruptionError(operation string, indexSize int64, cause error) *IndexError {
	return NewIndexError(cause, ErrorCodeIndexCorrupted, "index data structure corrupted").
		WithOperation(operation).
		WithIndexSize(indexSize).
		WithDetail("corruption_detected", true).
		WithDetail("recovery_required", true)
}

// NewEntrySizeMismatchError creates an error for a reopened index whose
// on-disk ENTRY_SIZE does not match the schema the caller compiled with.
func NewEntrySizeMismatchError(onDisk, expected int) *IndexError {
	return NewIndexError(nil, ErrorCodeIndexEntrySizeMismatch, "index entry size does not match schema").
		WithOperation("Open").
		WithDetail("onDiskEntrySize", onDisk).
		WithDetail("expectedEntrySize", expected)
}

// NewMetadataMismatchError creates an error for a reopened index whose
// caller-supplied metadata does not byte-for-byte match what is persisted.
func NewMetadataMismatchError() *IndexError {
	return NewIndexError(nil, ErrorCodeMetadataMismatch, "index metadata does not match persisted header").
		WithOperation("Open")
}
