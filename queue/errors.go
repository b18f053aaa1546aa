package queue

import (
	goerrors "github.com/goliatone/go-errors"

	"github.com/flowsmartly/avatar-worker/core"
)

func queueBadInput(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(400).
		WithTextCode(core.ErrorCodeInvalidRequest)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func queueInternal(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryInternal).
		WithCode(500).
		WithTextCode(core.ErrorCodeInternal)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func queueWrapError(cause error, message string, metadata map[string]any) error {
	err := goerrors.Wrap(cause, goerrors.CategoryOperation, message).
		WithCode(500).
		WithTextCode(core.ErrorCodeInternal)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
