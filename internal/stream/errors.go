package stream

import "github.com/albe/eventstore/pkg/errors"

func newRequiredStoreError() error {
	return errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "store is required").
		WithField("store").WithRule("required")
}

func newRequiredStreamNameError() error {
	return errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "stream name is required").
		WithField("streamName").WithRule("required")
}

func newRequiredStreamsError() error {
	return errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "at least one stream name is required").
		WithField("streams").WithRule("non_empty")
}

func newStreamNotFoundError(name string) error {
	return errors.NewStreamNotFoundError(name)
}

func newBoundsFrozenError() error {
	return errors.NewBoundsFrozenError()
}
