package fanproxy

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrIDSpaceExhausted is returned by an upstream session when all 65536 transaction
// IDs are held by pending queries.
var ErrIDSpaceExhausted = errors.New("transaction id space exhausted")

// ErrSessionClosed is returned when dispatching to an upstream session that has stopped.
var ErrSessionClosed = errors.New("upstream session closed")

// DuplicateUpstreamError is returned when two upstream entries resolve to the
// same address.
type DuplicateUpstreamError struct {
	Addr   string
	First  UpstreamConfig
	Second UpstreamConfig
}

func (e DuplicateUpstreamError) Error() string {
	return fmt.Sprintf("cannot add upstream %s with duplicate address %s (already used by %s)", e.Second, e.Addr, e.First)
}
