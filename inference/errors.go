package inference

import (
	"fmt"
	"os"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/flowsmartly/avatar-worker/core"
)

func NewError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func WrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	if source == nil {
		return NewError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// ValidateInput confirms a staged media file is present, regular, and
// non-empty before the accelerator is occupied.
func ValidateInput(path string, kind core.MediaKind) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return NewError(
			fmt.Sprintf("inference: %s input path is required", inputLabel(kind)),
			goerrors.CategoryBadInput,
			400,
			core.ErrorCodeInferenceInvalidInput,
			nil,
		)
	}
	info, err := os.Stat(trimmed)
	if err != nil {
		return WrapError(
			err,
			goerrors.CategoryBadInput,
			fmt.Sprintf("inference: %s input is not readable", inputLabel(kind)),
			400,
			core.ErrorCodeInferenceInvalidInput,
			map[string]any{"path": trimmed},
		)
	}
	if info.IsDir() {
		return NewError(
			fmt.Sprintf("inference: %s input is a directory", inputLabel(kind)),
			goerrors.CategoryBadInput,
			400,
			core.ErrorCodeInferenceInvalidInput,
			map[string]any{"path": trimmed},
		)
	}
	if info.Size() == 0 {
		return NewError(
			fmt.Sprintf("inference: %s input is empty", inputLabel(kind)),
			goerrors.CategoryBadInput,
			400,
			core.ErrorCodeInferenceInvalidInput,
			map[string]any{"path": trimmed},
		)
	}
	return nil
}

func inputLabel(kind core.MediaKind) string {
	if strings.TrimSpace(string(kind)) == "" {
		return "media"
	}
	return string(kind)
}

// LooksResourceExhausted reports whether process output points at
// accelerator or host memory pressure rather than a model fault.
func LooksResourceExhausted(output string) bool {
	lowered := strings.ToLower(output)
	for _, marker := range []string{
		"cuda out of memory",
		"out of memory",
		"cuda error: out of memory",
		"resource_exhausted",
		"cannot allocate memory",
	} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// Tail keeps the last max bytes of process output. Stderr from a failed
// generation run can reach megabytes; results and logs only need the end.
func Tail(output string, max int) string {
	output = strings.TrimSpace(output)
	if max <= 0 || len(output) <= max {
		return output
	}
	return output[len(output)-max:]
}
