package redisstore

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/flowsmartly/avatar-worker/core"
)

func claimBadInput(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryBadInput).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorCodeInvalidRequest)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func claimInternal(message string, metadata map[string]any) error {
	err := goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ErrorCodeInternal)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func claimWrapError(source error, message string, metadata map[string]any) error {
	err := goerrors.Wrap(source, goerrors.CategoryOperation, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ErrorCodeInternal)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}
