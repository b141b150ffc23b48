package proxy

import (
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// Target is a computed next hop produced by route preprocessing or target
// computation. It is consumed exactly once by forking.
type Target struct {
	// URI overrides the outgoing request's request-URI when set.
	URI *sip.Uri

	// RouteSet is prepended to the cloned request as Route headers, in order.
	RouteSet []sip.Uri

	// Destination pre-selects the next hop and bypasses the resolver when set.
	Destination *ResolvedServer
}

// ResolvedServer is a concrete address/port/transport tuple produced by a
// Resolver. A UAC keeps an ordered list plus a cursor into it.
type ResolvedServer struct {
	Host      string
	Port      int
	Transport string
}

// Addr renders host:port the way sip.Request.SetDestination expects it.
func (s ResolvedServer) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ResolvedServer) String() string {
	return s.Addr() + "/" + s.Transport
}
