package extract

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptDocument   = errors.New("corrupt document")
	ErrEmptyDocument     = errors.New("empty document")
	ErrOcrUnavailable    = errors.New("ocr unavailable")
	ErrOcrFailed         = errors.New("ocr failed")
)

// Error ties an extraction failure to the file that caused it. Kind is one of
// the sentinels above; both Kind and the underlying cause match errors.Is.
type Error struct {
	Kind error
	File string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.File, e.Kind)
	default:
		return fmt.Sprintf("%s: %v: %v", e.File, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, file string, cause error) *Error {
	return &Error{Kind: kind, File: file, Err: cause}
}

// IsInputError reports whether err is one of the expected, user-caused extraction failures.
func IsInputError(err error) bool {
	for _, kind := range []error{ErrUnsupportedFormat, ErrCorruptDocument, ErrEmptyDocument, ErrOcrUnavailable, ErrOcrFailed} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
