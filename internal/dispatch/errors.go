package dispatch

// ValidationError is a rejected command argument. Its message is the user-facing reply.
type ValidationError struct {
	Handler string
	Detail  string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Handler + " -> ERROR"
	}
	return e.Handler + " -> ERROR: " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(handler string, err error) *ValidationError {
	return &ValidationError{Handler: handler, Err: err}
}
