package signature

import (
	stderrors "errors"
	"fmt"
)

// ErrUnsigned is returned when a secret is configured but the request carries no signature header
var ErrUnsigned = stderrors.New("missing signature header")

// HeaderError reports a signature header that was sent but did not verify
type HeaderError struct {
	Header string
	Reason string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Header, e.Reason)
}

func rejected(header, format string, args ...interface{}) error {
	return &HeaderError{Header: header, Reason: fmt.Sprintf(format, args...)}
}
