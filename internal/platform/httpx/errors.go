package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/odyssey-erp/orderflow/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807. Storage and unknown
// errors are reported without their underlying detail.
func RespondError(w http.ResponseWriter, err error) {
	kind := shared.KindOf(err)
	status, title := http.StatusInternalServerError, "Internal Error"
	detail := ""
	switch kind {
	case shared.KindValidation:
		status, title, detail = http.StatusUnprocessableEntity, "Validation Failed", err.Error()
	case shared.KindDuplicateLineItem:
		status, title, detail = http.StatusUnprocessableEntity, "Duplicate Line Item", err.Error()
	case shared.KindInvalidTransition:
		status, title, detail = http.StatusConflict, "Invalid Transition", err.Error()
	case shared.KindConcurrency:
		status, title, detail = http.StatusConflict, "Concurrency Conflict", "the order was modified by another request"
	case shared.KindNotFound:
		status, title, detail = http.StatusNotFound, "Not Found", err.Error()
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
		Kind:   kind,
		Fields: shared.FieldErrors(err),
	})
}
