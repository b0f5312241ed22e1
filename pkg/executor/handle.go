package executor

import (
	"fmt"

	"github.com/orbitcore/orbit/pkg/opid"
)

// OperationHandle is what execute() returns to its caller: either a fast in-line
// outcome, or a polling URL for asynchronous completion (spec.md §4.6).
//
//	completed=true  => Outcome != nil, StatusURL == ""
//	completed=false => Outcome == nil, StatusURL != ""
type OperationHandle struct {
	OpId      opid.OpId
	Completed bool
	Outcome   *opid.Outcome
	StatusURL string
}

// CompletedHandle builds a handle for an operation that finished synchronously.
func CompletedHandle(id opid.OpId, outcome opid.Outcome) (OperationHandle, error) {
	h := OperationHandle{OpId: id, Completed: true, Outcome: &outcome}
	if err := h.validate(); err != nil {
		return OperationHandle{}, err
	}
	return h, nil
}

// AsyncHandle builds a handle for an operation still in flight, carrying a URL the
// caller can poll via queryStatus.
func AsyncHandle(id opid.OpId, statusURL string) (OperationHandle, error) {
	h := OperationHandle{OpId: id, Completed: false, StatusURL: statusURL}
	if err := h.validate(); err != nil {
		return OperationHandle{}, err
	}
	return h, nil
}

func (h OperationHandle) validate() error {
	if h.Completed {
		if h.Outcome == nil {
			return fmt.Errorf("%w: completed handle requires an outcome", opid.ErrInvalid)
		}
		if h.StatusURL != "" {
			return fmt.Errorf("%w: completed handle must not carry a status url", opid.ErrInvalid)
		}
		return nil
	}
	if h.Outcome != nil {
		return fmt.Errorf("%w: async handle must not carry an outcome", opid.ErrInvalid)
	}
	if h.StatusURL == "" {
		return fmt.Errorf("%w: async handle requires a status url", opid.ErrInvalid)
	}
	return nil
}
