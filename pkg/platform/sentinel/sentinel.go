package sentinel

import (
	"errors"
	"fmt"
)

// Sentinel errors for infrastructure facts. The cloud transport, stores and
// services return these (optionally wrapped) so handlers can translate them
// into HTTP responses in one place.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: session does not exist in the store
// - ErrExpired: login session has passed its deadline
// - ErrTransport: network, DNS or timeout failure reaching the vendor cloud
// - ErrParse: vendor response body was not a valid envelope
// - ErrUnauthenticated: signed call attempted without a service token
// - ErrUnavailable: backing resource (redis) temporarily unavailable
var (
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("expired")
	ErrTransport       = errors.New("transport failure")
	ErrParse           = errors.New("parse failure")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnavailable     = errors.New("unavailable")
)

// RemoteError is a failure actively reported by the vendor cloud: the
// response envelope parsed fine but carried a non-zero status code. Callers
// surface Description to the user; Code is kept for logging and tests.
type RemoteError struct {
	Code        int
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("vendor error %d: %s", e.Code, e.Description)
}

// AsRemote unwraps err into a RemoteError when one is in the chain.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
