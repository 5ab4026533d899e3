package errors

// ConcurrencyError is a specialized error type for the cross-process
// coordination failures unique to a single-writer, multi-reader store: a
// directory already locked by another writer, or a commit whose expected
// stream version no longer matches reality.
type ConcurrencyError struct {
	*baseError
	streamName      string // Write stream the error concerns, if applicable.
	expectedVersion int64  // Version the caller expected the stream to be at.
	actualVersion   int64  // Version the stream was actually at.
}

// NewConcurrencyError creates a new concurrency-specific error.
func NewConcurrencyError(err error, code ErrorCode, msg string) *ConcurrencyError {
	return &ConcurrencyError{baseError: NewBaseError(err, code, msg)}
}

// WithMessage updates the error message while maintaining the ConcurrencyError type.
func (ce *ConcurrencyError) WithMessage(msg string) *ConcurrencyError {
	ce.baseError.WithMessage(msg)
	return ce
}

// WithDetail adds contextual information while maintaining the ConcurrencyError type.
func (ce *ConcurrencyError) WithDetail(key string, value any) *ConcurrencyError {
	ce.baseError.WithDetail(key, value)
	return ce
}

// WithStreamName records which write stream the error concerns.
func (ce *ConcurrencyError) WithStreamName(name string) *ConcurrencyError {
	ce.streamName = name
	return ce
}

// WithExpectedVersion records the version the caller expected.
func (ce *ConcurrencyError) WithExpectedVersion(v int64) *ConcurrencyError {
	ce.expectedVersion = v
	return ce
}

// WithActualVersion records the version the stream was actually at.
func (ce *ConcurrencyError) WithActualVersion(v int64) *ConcurrencyError {
	ce.actualVersion = v
	return ce
}

// StreamName returns the write stream the error concerns.
func (ce *ConcurrencyError) StreamName() string {
	return ce.streamName
}

// ExpectedVersion returns the version the caller expected the stream to be at.
func (ce *ConcurrencyError) ExpectedVersion() int64 {
	return ce.expectedVersion
}

// ActualVersion returns the version the stream was actually at.
func (ce *ConcurrencyError) ActualVersion() int64 {
	return ce.actualVersion
}

// NewOptimisticConcurrencyError creates the error a commit returns when its
// expected stream version does not match the stream's current version.
func NewOptimisticConcurrencyError(streamName string, expected, actual int64) *ConcurrencyError {
	return NewConcurrencyError(
		nil, ErrorCodeOptimisticConcurrency, "expected stream version does not match current version",
	).WithStreamName(streamName).WithExpectedVersion(expected).WithActualVersion(actual)
}

// NewLockHeldError creates the error a writer returns when another writer
// already holds the directory lock.
func NewLockHeldError(path string) *ConcurrencyError {
	return NewConcurrencyError(nil, ErrorCodeLockHeld, "data directory is locked by another writer").
		WithDetail("lockPath", path)
}

// IsConcurrencyError checks if the given error is a ConcurrencyError or
// contains one in its error chain.
func IsConcurrencyError(err error) bool {
	_, ok := AsConcurrencyError(err)
	return ok
}
