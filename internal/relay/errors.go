package relay

import (
	"errors"
	"fmt"
)

// Kind classifies a forwarding failure.
type Kind string

// Forwarding failure kinds. The values double as metric labels.
const (
	KindUnresolvedAddress Kind = "unresolved_address"
	KindUnresolvedRoute   Kind = "unresolved_route"
	KindComposeFailure    Kind = "compose_failure"
	KindTransportFailure  Kind = "transport_failure"
)

// Sentinels matched by errors.Is against a *ForwardingError of that kind.
var (
	ErrUnresolvedAddress = errors.New("recipient is neither a reply token nor a masked address")
	ErrUnresolvedRoute   = errors.New("no route to destination")
	ErrComposeFailure    = errors.New("message could not be composed")
	ErrTransportFailure  = errors.New("message could not be sent")
)

var kindSentinels = map[Kind]error{
	KindUnresolvedAddress: ErrUnresolvedAddress,
	KindUnresolvedRoute:   ErrUnresolvedRoute,
	KindComposeFailure:    ErrComposeFailure,
	KindTransportFailure:  ErrTransportFailure,
}

// ForwardingError reports why a message was not forwarded.
type ForwardingError struct {
	Kind      Kind
	Recipient string
	Err       error
}

func (e *ForwardingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("forward to %s: %s", e.Recipient, kindSentinels[e.Kind])
	}
	return fmt.Sprintf("forward to %s: %s: %v", e.Recipient, kindSentinels[e.Kind], e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ForwardingError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func forwardingError(kind Kind, recipient string, err error) *ForwardingError {
	return &ForwardingError{Kind: kind, Recipient: recipient, Err: err}
}
