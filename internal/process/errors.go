package process

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// ErrUnknownSignal is returned by ParseSignal.
var ErrUnknownSignal = errors.New("unknown signal")

// OpError is a failed process operation on behalf of a job.
type OpError struct {
	// Op is the step that failed, e.g. "spawn" or "kill"
	Op string
	// Label is the job the operation ran for
	Label types.Label
	// Err is the underlying error
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("process %s %q: %v", e.Op, e.Label, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is makes every OpError a resource error.
func (e *OpError) Is(target error) bool {
	return target == types.ErrResource
}
