package update

import (
	"errors"
	"fmt"
)

// ErrParseFailure matches every *ParseFailure.
var ErrParseFailure = errors.New("parse failure")

// ParseFailure reports that the parser rejected or timed out on a file. The
// graph state of the file is left as it was.
type ParseFailure struct {
	Repository string
	Path       string
	Language   string
	Reason     string
	Err        error
}

func (f *ParseFailure) Error() string {
	lang := f.Language
	if lang == "" {
		lang = "unknown"
	}
	return fmt.Sprintf("parse failure: %s (%s): %s", f.Path, lang, f.Reason)
}

func (f *ParseFailure) Unwrap() []error {
	if f.Err == nil {
		return []error{ErrParseFailure}
	}
	return []error{ErrParseFailure, f.Err}
}
