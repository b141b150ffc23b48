package proxy

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// preprocessRoute implements RFC 3261 section 16.4 route preprocessing
// (section 4.2.2). It mutates req in place and returns a Target if the top
// (possibly rewritten) Route header points off this node, in which case the
// request should be forwarded to that Route hop as-is rather than going
// through target computation. maddr source routing is not supported.
func preprocessRoute(req *sip.Request, homeDomain string) *Target {
	for {
		routes := routeHeaders(req)
		if len(routes) == 0 || !isLocal(req.Recipient.Host, homeDomain) {
			break
		}

		last := routes[len(routes)-1]
		if hasLooseRouting(last) {
			break
		}

		// Strict-routed: the real request-URI was stashed as the last
		// Route header. Rewrite and drop it, then re-run preprocessing on
		// the now-modified request, exactly as section 4.2.2 prescribes.
		req.Recipient = last.Address
		removeRouteHeaders(req, routes[:len(routes)-1])
		continue
	}

	routes := routeHeaders(req)
	if len(routes) == 0 {
		return nil
	}

	top := routes[0]
	if !isLocal(top.Address.Host, homeDomain) {
		uri := req.Recipient
		return &Target{URI: &uri}
	}

	removeRouteHeaders(req, routes[1:])
	return nil
}

func isLocal(host, homeDomain string) bool {
	if homeDomain == "" {
		return false
	}
	return strings.EqualFold(host, homeDomain)
}

func hasLooseRouting(h *sip.RouteHeader) bool {
	if h.Address.UriParams == nil {
		return false
	}
	_, ok := h.Address.UriParams.Get("lr")
	return ok
}

// routeHeaders returns every Route header line on req, in wire order (top
// to bottom).
func routeHeaders(req *sip.Request) []*sip.RouteHeader {
	hdrs := req.GetHeaders("Route")
	out := make([]*sip.RouteHeader, 0, len(hdrs))
	for _, h := range hdrs {
		if rh, ok := h.(*sip.RouteHeader); ok {
			out = append(out, rh)
		}
	}
	return out
}

// removeRouteHeaders replaces the Route header set on req with keep, which
// must be a subsequence of the request's current Route headers in order.
func removeRouteHeaders(req *sip.Request, keep []*sip.RouteHeader) {
	for range req.GetHeaders("Route") {
		req.RemoveHeader("Route")
	}
	for _, h := range keep {
		req.AppendHeader(h)
	}
}
