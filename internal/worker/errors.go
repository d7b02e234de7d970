package worker

import "errors"

// PermanentError marks a failure that retrying cannot fix: invalid
// inputs, missing or inactive template, exhausted quota. The job fails
// immediately without consuming its retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the failure path skips the retry budget.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in
// its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
