package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorCodeInvalidRequest = "JOB_INVALID_REQUEST"

	ErrorCodeFetchNotFound  = "JOB_FETCH_NOT_FOUND"
	ErrorCodeFetchTimeout   = "JOB_FETCH_TIMEOUT"
	ErrorCodeFetchTooLarge  = "JOB_FETCH_TOO_LARGE"
	ErrorCodeFetchMalformed = "JOB_FETCH_MALFORMED"

	ErrorCodeInferenceInvalidInput      = "JOB_INFERENCE_INVALID_INPUT"
	ErrorCodeInferenceResourceExhausted = "JOB_INFERENCE_RESOURCE_EXHAUSTED"
	ErrorCodeInferenceModelFailure      = "JOB_INFERENCE_MODEL_FAILURE"
	ErrorCodeInferenceTimeout           = "JOB_INFERENCE_TIMEOUT"

	ErrorCodeUploadAuthFailure   = "JOB_UPLOAD_AUTH_FAILURE"
	ErrorCodeUploadTimeout       = "JOB_UPLOAD_TIMEOUT"
	ErrorCodeUploadQuotaExceeded = "JOB_UPLOAD_QUOTA_EXCEEDED"

	ErrorCodeTimeout  = "JOB_TIMEOUT"
	ErrorCodeInternal = "JOB_INTERNAL_ERROR"
)

var errorKindByCode = map[string]ErrorKind{
	ErrorCodeInvalidRequest:             ErrorKindInvalidRequest,
	ErrorCodeFetchNotFound:              ErrorKindFetchNotFound,
	ErrorCodeFetchTimeout:               ErrorKindFetchTimeout,
	ErrorCodeFetchTooLarge:              ErrorKindFetchTooLarge,
	ErrorCodeFetchMalformed:             ErrorKindFetchMalformed,
	ErrorCodeInferenceInvalidInput:      ErrorKindInferenceInvalidInput,
	ErrorCodeInferenceResourceExhausted: ErrorKindInferenceResourceExhausted,
	ErrorCodeInferenceModelFailure:      ErrorKindInferenceModelFailure,
	ErrorCodeInferenceTimeout:           ErrorKindInferenceTimeout,
	ErrorCodeUploadAuthFailure:          ErrorKindUploadAuthFailure,
	ErrorCodeUploadTimeout:              ErrorKindUploadTimeout,
	ErrorCodeUploadQuotaExceeded:        ErrorKindUploadQuotaExceeded,
	ErrorCodeTimeout:                    ErrorKindTimeout,
	ErrorCodeInternal:                   ErrorKindUnknown,
}

// KindForError translates any error into the worker's failure taxonomy.
// Rich errors resolve through their stable text code; a bare context
// cancellation reads as a deadline hit; everything else is unknown.
func KindForError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if kind, ok := errorKindByCode[strings.TrimSpace(richErr.TextCode)]; ok {
			return kind
		}
		return kindForCategory(richErr.Category)
	}
	if isContextCancellation(err) {
		return ErrorKindTimeout
	}
	return ErrorKindUnknown
}

func kindForCategory(category goerrors.Category) ErrorKind {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorKindInvalidRequest
	case goerrors.CategoryNotFound:
		return ErrorKindFetchNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorKindUploadAuthFailure
	case goerrors.CategoryRateLimit:
		return ErrorKindUploadQuotaExceeded
	default:
		return ErrorKindUnknown
	}
}

// ErrorInfoFromError builds the caller-facing ErrorInfo for a failed job.
func ErrorInfoFromError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := KindForError(err)
	message := strings.TrimSpace(err.Error())
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && strings.TrimSpace(richErr.Message) != "" {
		message = strings.TrimSpace(richErr.Message)
	}
	if message == "" {
		message = "unexpected worker error"
	}
	return &ErrorInfo{
		Kind:      kind,
		Message:   message,
		Retryable: kind.Retryable(),
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func jobError(message string, category goerrors.Category, textCode string, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(jobHTTPStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func jobWrapError(source error, category goerrors.Category, message string, textCode string, metadata map[string]any) error {
	if source == nil {
		return jobError(message, category, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(jobHTTPStatus(category)).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func jobBadInput(message string, metadata map[string]any) error {
	return jobError(message, goerrors.CategoryBadInput, ErrorCodeInvalidRequest, metadata)
}

func jobBadInputWrap(source error, message string, metadata map[string]any) error {
	return jobWrapError(source, goerrors.CategoryBadInput, message, ErrorCodeInvalidRequest, metadata)
}

func jobInternal(message string, metadata map[string]any) error {
	return jobError(message, goerrors.CategoryInternal, ErrorCodeInternal, metadata)
}

func jobInternalWrap(source error, message string, metadata map[string]any) error {
	return jobWrapError(source, goerrors.CategoryInternal, message, ErrorCodeInternal, metadata)
}

func jobTimeout(message string, metadata map[string]any) error {
	return jobError(message, goerrors.CategoryOperation, ErrorCodeTimeout, metadata)
}

func jobTimeoutWrap(source error, message string, metadata map[string]any) error {
	return jobWrapError(source, goerrors.CategoryOperation, message, ErrorCodeTimeout, metadata)
}

// workerErrorMapper normalizes arbitrary errors into the rich envelope so the
// facade and command surfaces report consistent categories and codes.
func workerErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureWorkerErrorEnvelope(richErr)
	}

	if isContextCancellation(err) {
		return ensureWorkerErrorEnvelope(
			goerrors.Wrap(err, goerrors.CategoryOperation, "operation deadline exceeded").
				WithTextCode(ErrorCodeTimeout),
		)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return ensureWorkerErrorEnvelope(
			goerrors.Wrap(err, goerrors.CategoryNotFound, err.Error()),
		)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return ensureWorkerErrorEnvelope(
			goerrors.Wrap(err, goerrors.CategoryBadInput, err.Error()).
				WithTextCode(ErrorCodeInvalidRequest),
		)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureWorkerErrorEnvelope(mapped)
}

func ensureWorkerErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = jobHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultWorkerTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultWorkerTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorCodeInvalidRequest
	case goerrors.CategoryNotFound:
		return ErrorCodeFetchNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorCodeUploadAuthFailure
	case goerrors.CategoryRateLimit:
		return ErrorCodeUploadQuotaExceeded
	default:
		return ErrorCodeInternal
	}
}

func jobHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
