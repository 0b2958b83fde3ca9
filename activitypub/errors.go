package activitypub

import "fmt"

// VerifyError is a structural or authorization failure on an inbound
// activity. The activity is rejected and never retried.
type VerifyError struct {
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("verify: %s", e.Reason)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

func verifyErrorf(format string, args ...interface{}) *VerifyError {
	return &VerifyError{Reason: fmt.Sprintf(format, args...)}
}

// ReceiveError is a failed effect application (storage or transport
// trouble). The sender may retry; handlers are idempotent.
type ReceiveError struct {
	Op  string
	Err error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("receive %s: %v", e.Op, e.Err)
}

func (e *ReceiveError) Unwrap() error {
	return e.Err
}

func receiveError(op string, err error) *ReceiveError {
	return &ReceiveError{Op: op, Err: err}
}

// ResolutionError means an actor or object reference resolved to
// neither a local record nor a fetchable remote one. Treated like a
// verify failure: rejected, not retried.
type ResolutionError struct {
	Ref string
	Err error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("resolve %s: not found", e.Ref)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func resolutionErrorf(ref, format string, args ...interface{}) *ResolutionError {
	return &ResolutionError{Ref: ref, Err: fmt.Errorf(format, args...)}
}
