package proxy

import (
	"context"
	"net"
	"strconv"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// ProxyModule is the top-level message-ingress dispatcher, section 4.1. It
// registers per-method handlers with a sipgo Server and turns each
// transaction-initiating request into a UASTransaction.
type ProxyModule struct {
	server *sipgo.Server
	client *sipgo.Client

	hooks    Hooks
	resolver Resolver
	metrics  *Metrics
	log      zerolog.Logger

	HomeDomain  string
	DelayTrying bool
	Draining    bool
}

func NewProxyModule(server *sipgo.Server, client *sipgo.Client, resolver Resolver, hooks Hooks, metrics *Metrics, logger zerolog.Logger) *ProxyModule {
	return &ProxyModule{
		server:   server,
		client:   client,
		hooks:    hooks,
		resolver: resolver,
		metrics:  metrics,
		log:      logger.With().Str("caller", "ProxyModule").Logger(),
	}
}

// RegisterHandlers wires the module into the sipgo server for every method
// the core proxies statefully, plus the late-response and unmatched-CANCEL
// paths described in section 4.1.
func (m *ProxyModule) RegisterHandlers() {
	m.server.OnInvite(m.handleRequest)
	m.server.OnBye(m.handleRequest)
	m.server.OnRefer(m.handleRequest)
	m.server.OnOptions(m.handleRequest)
	m.server.OnInfo(m.handleRequest)
	m.server.OnUpdate(m.handleRequest)
	m.server.OnMessage(m.handleRequest)
	m.server.OnSubscribe(m.handleRequest)
	m.server.OnNotify(m.handleRequest)
	m.server.OnAck(m.handleACK)
	m.server.OnCancel(m.handleUnmatchedCancel)

	m.server.TransportLayer().OnMessage(m.onTransportMessage)
}

// handleRequest implements section 4.1 steps 2-3 for every transaction
// forming method. sipgo calls tx.Terminate() the moment this function
// returns, so the function blocks for the UAS transaction's entire life --
// ProcessRequest drives forks on their own goroutines and only returns once
// the UAS has reached a final outcome.
func (m *ProxyModule) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	if status, ok := m.verifyRequest(req); !ok {
		code, reason := status.SIPStatus()
		m.rejectStateful(tx, req, code, reason)
		return
	}
	if status, ok := m.hooks.VerifyRequest(req); !ok {
		code, reason := status.SIPStatus()
		m.rejectStateful(tx, req, code, reason)
		return
	}

	uas := newUASTransaction(m, req, tx)
	uas.Init()
	uas.ProcessRequest(context.Background())
}

// handleACK implements the degenerate ACK path of section 4.2.1: no
// transaction object, forward statelessly.
func (m *ProxyModule) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	if _, ok := m.verifyRequest(req); !ok {
		m.log.Debug().Msg("dropping unverifiable ACK")
		return
	}
	uas := newUASTransaction(m, req, nil)
	uas.forwardACKStateless(context.Background())
}

// handleUnmatchedCancel answers section 4.2.5's fallback: a CANCEL that
// sipgo's transaction layer could not correlate to a live INVITE server
// transaction (a matched one is absorbed and delivered via that
// transaction's own OnCancel callback, never reaching this handler).
func (m *ProxyModule) handleUnmatchedCancel(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, StatusCallDoesNotExist, "Call/Transaction Does Not Exist", nil)
	if err := tx.Respond(res); err != nil {
		m.log.Error().Err(err).Msg("failed to respond to unmatched CANCEL")
	}
}

func (m *ProxyModule) verifyRequest(req *sip.Request) (VerifyStatus, bool) {
	switch req.Recipient.Scheme {
	case "sip", "sips", "tel":
	default:
		return StatusUnsupportedURIScheme, false
	}

	if h := req.GetHeader("Max-Forwards"); h != nil {
		if mf, ok := h.(*sip.MaxForwards); ok && *mf <= 1 {
			return StatusTooManyHops, false
		}
	}

	if m.Draining && !req.IsAck() {
		return StatusServiceUnavailable, false
	}

	return StatusOK, true
}

func (m *ProxyModule) rejectStateful(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	if req.IsAck() {
		return // silently drop, section 4.1 step 2
	}
	if tx == nil {
		return
	}
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		m.log.Error().Err(err).Msg("failed to reject request")
	}
}

// onTransportMessage implements the stateless late-2xx forwarding described
// in section 4.1: a 2xx retransmission to INVITE arriving after its UAS has
// already gone away is forwarded by stripping the top Via and deriving the
// destination from the next Via's received/rport/sent-by. Responses still
// matched to a live client transaction are consumed upstream of this hook
// and never reach here.
func (m *ProxyModule) onTransportMessage(msg sip.Message) {
	res, ok := msg.(*sip.Response)
	if !ok || !res.IsSuccess() {
		return
	}
	cseq, ok := res.CSeq()
	if !ok || cseq.MethodName != sip.INVITE {
		return
	}

	forwarded := res.Clone()
	forwarded.RemoveHeader("Via")
	if via, ok := forwarded.Via(); ok {
		forwarded.SetDestination(viaDestination(via))
	}
	if err := m.server.WriteResponse(forwarded); err != nil {
		m.log.Warn().Err(err).Msg("failed to forward late 2xx retransmission")
	}
}

func viaDestination(via *sip.ViaHeader) string {
	host := via.Host
	port := via.Port
	if via.Params != nil {
		if received, ok := via.Params.Get("received"); ok && received != "" {
			host = received
		}
		if rport, ok := via.Params.Get("rport"); ok && rport != "" {
			if p, err := strconv.Atoi(rport); err == nil {
				port = p
			}
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
