// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/autoledger/autoledger/internal/shared"
)

// Sentinel errors for the transport layer.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrValidation = errors.New("validation failed")
)

// RespondError maps domain errors to RFC7807 responses. Tagged faults
// carry their tag as the problem type.
func RespondError(w http.ResponseWriter, err error) {
	if fault, ok := shared.FaultFrom(err); ok {
		Problem(w, statusForTag(fault.Tag), string(fault.Tag), fault.Message)
		return
	}
	switch {
	case errors.Is(err, shared.ErrNotFound) || errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func statusForTag(tag shared.ErrorTag) int {
	switch tag {
	case shared.TagInputInvalid:
		return http.StatusBadRequest
	case shared.TagPolicyNotApplicable, shared.TagCatalogMissing:
		return http.StatusUnprocessableEntity
	case shared.TagPolicyInvalid, shared.TagMigrationBlocked, shared.TagUnknownAccount:
		return http.StatusConflict
	case shared.TagProposalUnbalanced, shared.TagVATComputation, shared.TagNotBalancedOnBook:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
