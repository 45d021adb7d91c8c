package app

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotAddable           = errors.New("role isn't set as addable")
	ErrNotRemovable         = errors.New("role isn't set as removable")
	ErrAlreadyHasRole       = errors.New("member already has that role")
	ErrDoesNotHaveRole      = errors.New("member doesn't have that role")
	ErrPlatformForbidden    = errors.New("can't do that, role hierarchy applies here")
	ErrConfirmationTimeout  = errors.New("confirmation timed out")
	ErrConfirmationDeclined = errors.New("confirmation declined")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var taxonomy = []struct {
	err    error
	status int
	code   string
}{
	{ErrNotAddable, http.StatusConflict, "NOT_ADDABLE"},
	{ErrNotRemovable, http.StatusConflict, "NOT_REMOVABLE"},
	{ErrAlreadyHasRole, http.StatusConflict, "ALREADY_HAS_ROLE"},
	{ErrDoesNotHaveRole, http.StatusConflict, "DOES_NOT_HAVE_ROLE"},
	{ErrPlatformForbidden, http.StatusForbidden, "PLATFORM_FORBIDDEN"},
	{ErrConfirmationTimeout, http.StatusRequestTimeout, "CONFIRMATION_TIMEOUT"},
	{ErrConfirmationDeclined, http.StatusConflict, "CONFIRMATION_DECLINED"},
}

// asDomainError maps a reconciler error to its API representation.
func asDomainError(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	for _, entry := range taxonomy {
		if errors.Is(err, entry.err) {
			return domainError(entry.status, entry.code, entry.err.Error(), nil), true
		}
	}
	return nil, false
}
