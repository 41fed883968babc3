package util

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrCrashed       = errors.New("table is marked as crashed and should be repaired")
	ErrWrongInRecord = errors.New("wrong in record")
	ErrNoSpace       = errors.New("no free space for row")
	ErrRecordChanged = errors.New("record has changed since last read")
	ErrRecordDeleted = errors.New("record is deleted")
)

// PageError ties a failure to the page it was detected on.
type PageError struct {
	Message string
	Page    uint64
	Err     error
}

func NewPageError(page uint64, err error, format string, args ...any) *PageError {
	return &PageError{
		Message: fmt.Sprintf(format, args...),
		Page:    page,
		Err:     err,
	}
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %s: %v", e.Page, e.Message, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// IsCorruption reports whether err describes a structural problem that must mark a
// table as crashed.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrWrongInRecord) || errors.Is(err, ErrCrashed)
}
