package types

import "errors"

// ErrContractViolation marks errors caused by a caller breaking a
// concurrency contract (a second question while one is pending, a second
// channel on a busy session). Specific errors wrap it so callers can tell
// "your request was wrong" apart from "the system failed".
var ErrContractViolation = errors.New("contract violation")

// ContractError is a contract violation with a specific reason.
type ContractError struct {
	Op     string
	Reason string
}

func (e *ContractError) Error() string {
	return e.Op + ": " + e.Reason
}

// Is makes every ContractError match ErrContractViolation.
func (e *ContractError) Is(target error) bool {
	return target == ErrContractViolation
}
