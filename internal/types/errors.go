package types

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAgent          = errors.New("unknown agent")
	ErrNotFound              = errors.New("not found")
	ErrInvalidAgent          = errors.New("invalid agent")
	ErrRolesUnresolved       = errors.New("roles unresolved")
	ErrAttemptInProgress     = errors.New("attempt in progress")
	ErrGateway               = errors.New("gateway error")
	ErrSubmission            = errors.New("payment submission failed")
	ErrVerificationRejected  = errors.New("verification rejected")
	ErrVerificationExhausted = errors.New("verification exhausted")
	ErrCancelled             = errors.New("cancelled")
	ErrPurchaseDeclined      = errors.New("purchase declined")
)

// FailureReason tags how a purchase attempt ended in FAILED.
type FailureReason string

const (
	ReasonGatewayError          FailureReason = "GatewayError"
	ReasonSubmissionError       FailureReason = "SubmissionError"
	ReasonVerificationRejected  FailureReason = "VerificationRejected"
	ReasonVerificationExhausted FailureReason = "VerificationExhausted"
	ReasonCancelled             FailureReason = "Cancelled"
	ReasonPurchaseDeclined      FailureReason = "PurchaseDeclined"
)

var reasonErrors = map[FailureReason]error{
	ReasonGatewayError:          ErrGateway,
	ReasonSubmissionError:       ErrSubmission,
	ReasonVerificationRejected:  ErrVerificationRejected,
	ReasonVerificationExhausted: ErrVerificationExhausted,
	ReasonCancelled:             ErrCancelled,
	ReasonPurchaseDeclined:      ErrPurchaseDeclined,
}

// Sentinel returns the sentinel error matching the reason.
func (r FailureReason) Sentinel() error {
	if err, ok := reasonErrors[r]; ok {
		return err
	}
	return errors.New(string(r))
}

// ProtocolError reports a purchase attempt that reached FAILED. It matches
// the reason's sentinel and the underlying cause under errors.Is.
type ProtocolError struct {
	AttemptID AttemptID
	Reason    FailureReason
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("attempt %s failed: %s", e.AttemptID, e.Reason)
	}
	return fmt.Sprintf("attempt %s failed: %s: %v", e.AttemptID, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason.Sentinel()}
	}
	return []error{e.Reason.Sentinel(), e.Err}
}

// ReasonOf extracts the failure reason from err, if it carries one.
func ReasonOf(err error) (FailureReason, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}
