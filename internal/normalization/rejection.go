package normalization

import (
	"errors"
	"fmt"
)

// RejectionReason explains why a payload did not produce an event.
type RejectionReason string

const (
	RejectMalformedPayload     RejectionReason = "malformed_payload"
	RejectNotApplicable        RejectionReason = "not_applicable"
	RejectMissingOperation     RejectionReason = "missing_operation"
	RejectUnsupportedOperation RejectionReason = "unsupported_operation"
	RejectMissingRoleID        RejectionReason = "missing_role_id"
	RejectMissingPrincipal     RejectionReason = "missing_principal"
	RejectMissingScope         RejectionReason = "missing_scope"
)

// Rejection is returned by Normalize for input that is not an actionable
// role change. It is not a failure of the service.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("event rejected: %s", r.Reason)
	}
	return fmt.Sprintf("event rejected: %s: %s", r.Reason, r.Detail)
}

// AsRejection unwraps err into a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func reject(reason RejectionReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
