/*
Package fanproxy implements a UDP DNS forwarding proxy that sends every query to a
set of upstream resolvers at the same time and answers the client with whichever
response arrives first. The upstreams a query is sent to are picked by matching the
query name against a suffix configured for each upstream, with upstreams without
suffix acting as the default.

# Coordinator

All in-flight queries are owned by a single Coordinator goroutine. Listeners and
upstream sessions never modify query state directly, they submit operations to the
coordinator through a bounded queue. The coordinator also keeps the queries in a
deadline-ordered heap and times out those that don't get answers from all upstreams
they were sent to.

# Upstream sessions

Each upstream has one UpstreamSession with a single UDP socket. Queries get a new
transaction ID from the session's own 16-bit ID space so that answers can be matched
even when many clients use the same ID.

# Audit log

Every finished query produces one line in an hourly log file with the result code and
latency of each upstream, making it possible to compare upstreams over time.
*/
package fanproxy
