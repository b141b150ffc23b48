package proxy

import (
	"testing"

	"github.com/emiago/sipgo/sip"
)

func newTestInvite(recipientHost string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: recipientHost, Port: 5060})
	return req
}

func routeHeader(host string, lr bool) *sip.RouteHeader {
	uri := sip.Uri{User: "", Host: host, Port: 5060}
	if lr {
		uri.UriParams = sip.NewParams()
		uri.UriParams.Add("lr", "")
	}
	return &sip.RouteHeader{Address: uri}
}

func TestPreprocessRouteStrictRouteRewrite(t *testing.T) {
	// S7: request-URI refers to this node; Route set [A, B] with no ;lr on B.
	req := newTestInvite("proxy.example.com")
	req.AppendHeader(routeHeader("a.example.com", true))
	req.AppendHeader(routeHeader("b.example.com", false))

	target := preprocessRoute(req, "proxy.example.com")

	if target == nil || target.URI == nil || target.URI.Host != "b.example.com" {
		t.Fatalf("expected a target for the rewritten request-URI b.example.com (top route A is foreign), got %+v", target)
	}
	if req.Recipient.Host != "b.example.com" {
		t.Fatalf("expected request-URI rewritten to b.example.com, got %s", req.Recipient.Host)
	}
	remaining := routeHeaders(req)
	if len(remaining) != 1 || remaining[0].Address.Host != "a.example.com" {
		t.Fatalf("expected only A left on the route set, got %+v", remaining)
	}
}

func TestPreprocessRouteTopHopForeign(t *testing.T) {
	req := newTestInvite("proxy.example.com")
	req.AppendHeader(routeHeader("downstream.example.com", true))

	target := preprocessRoute(req, "proxy.example.com")

	if target == nil {
		t.Fatal("expected a target forwarding to the foreign top route hop")
	}
	if target.URI.Host != "proxy.example.com" {
		t.Fatalf("expected target URI to be the unchanged request-URI, got %s", target.URI.Host)
	}
}

func TestPreprocessRouteTopHopLocalIsConsumed(t *testing.T) {
	req := newTestInvite("foreign.example.com")
	req.AppendHeader(routeHeader("proxy.example.com", true))
	req.AppendHeader(routeHeader("downstream.example.com", true))

	target := preprocessRoute(req, "proxy.example.com")

	if target != nil {
		t.Fatalf("expected no target, local top route hop consumed silently: %+v", target)
	}
	remaining := routeHeaders(req)
	if len(remaining) != 1 || remaining[0].Address.Host != "downstream.example.com" {
		t.Fatalf("expected only the downstream route left, got %+v", remaining)
	}
}

func TestPreprocessRouteNoRouteHeaders(t *testing.T) {
	req := newTestInvite("foreign.example.com")
	if target := preprocessRoute(req, "proxy.example.com"); target != nil {
		t.Fatalf("expected nil target with no Route headers, got %+v", target)
	}
}
