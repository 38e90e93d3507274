package api

import "errors"

// Error is the typed form of the wire envelope, returned by SDK clients so
// callers can branch on the kind without string matching.
type Error struct {
	Kind    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Kind + ": " + e.Message
	}
	return e.Kind
}

// KindOf extracts the error kind from a wrapped *Error, empty otherwise.
func KindOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
