package composer

import "fmt"

// CompositionError reports an encoder failure. Stderr carries the tail
// of the raw encoder output so the job record alone is enough to debug
// the failure.
type CompositionError struct {
	Step     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("%s failed with exit code %d", e.Step, e.ExitCode)
}

func (e *CompositionError) Unwrap() error {
	return e.Err
}
