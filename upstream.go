package fanproxy

import (
	"fmt"
)

// Upstream is a resolver queries can be forwarded to. Dispatch and Cancel are
// called from the coordinator only.
type Upstream interface {
	// Config returns the static configuration of the upstream.
	Config() UpstreamConfig

	// Dispatch sends a query to the upstream. It must not block for longer than
	// it takes to queue the query for sending. Answers are reported back to the
	// coordinator asynchronously.
	Dispatch(q *Query) error

	// Cancel drops any state held for the query. It's a no-op if there is none.
	Cancel(q *Query)

	fmt.Stringer
}
