package command

import (
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/flowsmartly/avatar-worker/core"
)

func TestSubmitJobMessage_ValidateReturnsRichError(t *testing.T) {
	err := (SubmitJobMessage{}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorCodeInvalidRequest {
		t.Fatalf("expected %q text code, got %q", core.ErrorCodeInvalidRequest, rich.TextCode)
	}
	if rich.Code != http.StatusBadRequest {
		t.Fatalf("expected %d code, got %d", http.StatusBadRequest, rich.Code)
	}
	validation := rich.AllValidationErrors()
	if len(validation) == 0 {
		t.Fatalf("expected validation errors in envelope")
	}
	if validation[0].Field != "input_image_url" {
		t.Fatalf("expected input_image_url validation field, got %q", validation[0].Field)
	}
}

func TestGetJobMessage_ValidateReturnsRichError(t *testing.T) {
	err := (GetJobMessage{}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	validation := rich.AllValidationErrors()
	if len(validation) == 0 || validation[0].Field != "job_id" {
		t.Fatalf("expected job_id validation field, got %#v", validation)
	}
}
