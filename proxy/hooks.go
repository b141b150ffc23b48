package proxy

import (
	"context"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Hooks is the extension surface exposed to specializations, mirroring the
// virtual methods a subclass of the original proxy would override:
// verify_request, calculate_targets, and the on_tx_* notification points.
// UAS construction is not a hook. A caller that needs no specialization
// passes DefaultHooks.
type Hooks interface {
	// VerifyRequest runs extension checks beyond the base ones in
	// ProxyModule.VerifyRequest. Returning ok=false with a status short
	// circuits request processing with that status.
	VerifyRequest(req *sip.Request) (status VerifyStatus, ok bool)

	// CalculateTargets populates targets for a UAS that route preprocessing
	// did not already resolve to one.
	CalculateTargets(ctx context.Context, uas *UASTransaction) ([]Target, int, string)

	// OnTxStart/OnTxComplete are notification points a specialization can
	// use for diagnostics; the base engine does nothing with them.
	OnTxStart(uas *UASTransaction)
	OnTxComplete(uas *UASTransaction)

	// OnTxResponse is called whenever the UAS is about to send a response
	// upstream (provisional or final).
	OnTxResponse(uas *UASTransaction, res *sip.Response)

	// OnTxClientRequest is called right before a UAC sends its request to a
	// newly selected destination.
	OnTxClientRequest(uac *UACTransaction, req *sip.Request)

	// OnFinalResponse is called once the UAS has decided on (and is about
	// to send) its final response.
	OnFinalResponse(uas *UASTransaction)
}

// DefaultHooks implements the base engine behaviour described in sections
// 4.1.1 and 4.2.3: no extra verification, and a single Target for requests
// whose request-URI is outside the configured home domain.
type DefaultHooks struct {
	// HomeDomain is compared case-insensitively against the request-URI
	// host to decide whether a request is "for this node" (and therefore
	// needs a real target computation a specialization would provide) or
	// addressed to a foreign domain (and therefore proxied as-is).
	HomeDomain string
}

var _ Hooks = (*DefaultHooks)(nil)

func (h *DefaultHooks) VerifyRequest(req *sip.Request) (VerifyStatus, bool) {
	return StatusOK, true
}

func (h *DefaultHooks) CalculateTargets(ctx context.Context, uas *UASTransaction) ([]Target, int, string) {
	uri := uas.Request.Recipient
	if h.isForeign(uri.Host) {
		return []Target{{URI: &uri}}, 0, ""
	}
	return nil, StatusNotFound, "Not Found"
}

func (h *DefaultHooks) isForeign(host string) bool {
	if h.HomeDomain == "" {
		return true
	}
	return !strings.EqualFold(host, h.HomeDomain)
}

func (h *DefaultHooks) OnTxStart(uas *UASTransaction)                            {}
func (h *DefaultHooks) OnTxComplete(uas *UASTransaction)                         {}
func (h *DefaultHooks) OnTxResponse(uas *UASTransaction, res *sip.Response)      {}
func (h *DefaultHooks) OnTxClientRequest(uac *UACTransaction, req *sip.Request)  {}
func (h *DefaultHooks) OnFinalResponse(uas *UASTransaction)                      {}
