package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// UASTransaction represents the upstream leg of a proxied request, section
// 4.2. It owns route preprocessing, target computation, forking, response
// aggregation, and the provisional trying timer.
type UASTransaction struct {
	module *ProxyModule
	lock   *groupLock
	guard  *ctxGuard
	log    zerolog.Logger
	trail  string

	Request *sip.Request
	tx      sip.ServerTransaction

	targets []Target
	uacs    []*UACTransaction

	pendingSends     int
	pendingResponses int
	best             *sip.Response
	sentFinal        bool
	sentOwnTrying    bool

	tryingMu    sync.Mutex
	tryingTimer *time.Timer

	done chan struct{}
}

func newUASTransaction(module *ProxyModule, req *sip.Request, tx sip.ServerTransaction) *UASTransaction {
	lock := newGroupLock()
	uas := &UASTransaction{
		module: module,
		lock:   lock,
		tx:     tx,
		trail:  newTrail(),
	}
	uas.guard = newCtxGuard(lock)
	uas.Request = req.Clone()
	uas.Request.SetTransport(req.Transport())
	uas.Request.SetSource(req.Source())
	uas.Request.SetDestination(req.Destination())
	uas.log = trailLogger(module.log, uas.trail).With().
		Str("method", string(req.Method)).
		Logger()
	return uas
}

// Init implements section 4.2.1: bind the cancel callback, seed the default
// best response, and arm or schedule the trying timer.
func (uas *UASTransaction) Init() {
	if uas.Request.IsAck() {
		return
	}

	uas.tx.OnCancel(func(cancel *sip.Request) {
		uas.EnterContext()
		defer uas.ExitContext()
		uas.ProcessCancelRequest()
	})

	uas.best = sip.NewResponseFromRequest(uas.Request, StatusRequestTimeout, "Request Timeout", nil)

	// An INVITE with delay_trying off gets its 100 Trying immediately; any
	// other request (non-INVITE, or INVITE with delay_trying on) gets the
	// 3.5s trying timer instead.
	if uas.Request.IsInvite() && !uas.module.DelayTrying {
		uas.sendTrying()
	} else {
		uas.armTryingTimer()
	}
}

func (uas *UASTransaction) armTryingTimer() {
	const t2MinusT1 = 3500 * time.Millisecond
	uas.tryingMu.Lock()
	defer uas.tryingMu.Unlock()
	uas.tryingTimer = time.AfterFunc(t2MinusT1, func() {
		uas.EnterContext()
		defer uas.ExitContext()
		if uas.sentFinal {
			return
		}
		uas.sendTrying()
	})
}

func (uas *UASTransaction) cancelTryingTimer() {
	uas.tryingMu.Lock()
	defer uas.tryingMu.Unlock()
	if uas.tryingTimer != nil {
		uas.tryingTimer.Stop()
		uas.tryingTimer = nil
	}
}

func (uas *UASTransaction) sendTrying() {
	if uas.sentOwnTrying {
		return
	}
	uas.sentOwnTrying = true
	res := sip.NewResponseFromRequest(uas.Request, StatusTrying, "Trying", nil)
	uas.module.hooks.OnTxResponse(uas, res)
	if err := uas.tx.Respond(res); err != nil {
		uas.log.Warn().Err(err).Msg("failed to send 100 Trying")
	}
}

// ProcessRequest implements the request-processing pipeline of sections
// 4.2.2-4.2.4. Forking hands each fork off to its own goroutine, so
// ProcessRequest blocks on uas.doneSignal() until one of them drives the UAS
// to a final response -- this is what keeps the registered handler function
// alive for the underlying server transaction's whole lifetime.
func (uas *UASTransaction) ProcessRequest(ctx context.Context) {
	uas.EnterContext()

	if target := preprocessRoute(uas.Request, uas.module.HomeDomain); target != nil {
		uas.targets = []Target{*target}
	} else {
		targets, status, reason := uas.module.hooks.CalculateTargets(ctx, uas)
		if len(targets) == 0 {
			uas.finalizeWithStatus(status, reason)
			uas.ExitContext()
			return
		}
		uas.targets = targets
	}

	uas.module.hooks.OnTxStart(uas)
	uas.forkToTargets(ctx)
	uas.ExitContext()

	<-uas.doneSignal()
}

// doneSignal lazily creates the done channel so ProcessRequest has something to block on
// without requiring every code path to know about it up front.
func (uas *UASTransaction) doneSignal() <-chan struct{} {
	uas.lock.Lock()
	if uas.done == nil {
		uas.done = make(chan struct{})
		if uas.sentFinal {
			close(uas.done)
		}
	}
	ch := uas.done
	uas.lock.Unlock()
	return ch
}

// forkToTargets implements section 4.2.4. A clone/init failure aborts only
// the remaining targets; forks already sent are left to complete.
func (uas *UASTransaction) forkToTargets(ctx context.Context) {
	uas.pendingSends = len(uas.targets)
	uas.uacs = make([]*UACTransaction, len(uas.targets))
	sentAny := false

	for i, target := range uas.targets {
		uas.pendingSends--

		req := uas.Request.Clone()
		if target.URI != nil {
			req.Recipient = *target.URI
		}
		for j := len(target.RouteSet) - 1; j >= 0; j-- {
			req.PrependHeader(&sip.RouteHeader{Address: target.RouteSet[j]})
		}

		uac := newUACTransaction(uas, i, uas.module.client, req, target)
		if err := uac.Init(ctx, uas.module.resolver); err != nil {
			uas.log.Warn().Err(err).Int("fork", i).Msg("fork init failed")
			continue
		}

		uas.uacs[i] = uac
		uas.pendingResponses++
		if uas.module.metrics != nil {
			uas.module.metrics.ForksStarted.WithLabelValues(string(uas.Request.Method)).Inc()
		}

		if err := uac.Send(ctx, uas.module.hooks); err != nil {
			uas.log.Warn().Err(err).Int("fork", i).Msg("fork send failed")
			uac.sendTimeoutResponse()
			continue
		}
		sentAny = true
	}

	if !sentAny && uas.pendingResponses == 0 {
		uas.finalizeWithStatus(StatusServerInternalError, "Internal Server Error")
	}
}

// OnNewClientResponse implements section 4.2.6. It is always called with the
// shared group lock already held by the caller -- the UAC's drive loop holds
// it via its own guard for responses arriving off sipgo's channels, and the
// UAS's own forking loop holds it for a synthesized timeout on send failure.
func (uas *UASTransaction) OnNewClientResponse(uac *UACTransaction, res *sip.Response) {
	if uas.sentFinal {
		return
	}

	switch {
	case res.StatusCode == StatusTrying:
		if uas.sentOwnTrying {
			return
		}
		uas.forwardProvisional(res)
		return

	case res.IsProvisional():
		uas.forwardProvisional(res)
		return

	case res.IsSuccess():
		uas.best = res
		uas.Dissociate(uac)
		uas.pendingResponses--
		uas.onFinalResponse()
		return

	default:
		if uas.best == nil || CompareStatus(res.StatusCode, uas.best.StatusCode) > 0 {
			uas.best = res
		}
		uas.Dissociate(uac)
		uas.pendingResponses--
		if uas.pendingSends+uas.pendingResponses == 0 {
			uas.onFinalResponse()
		}
	}
}

func (uas *UASTransaction) forwardProvisional(res *sip.Response) {
	forwarded := res.Clone()
	uas.module.hooks.OnTxResponse(uas, forwarded)
	if err := uas.tx.Respond(forwarded); err != nil {
		uas.log.Warn().Err(err).Msg("failed to forward provisional response")
	}
}

// onFinalResponse implements the send-best-response half of section 4.2.6
// and the manual-termination/cancel-remaining-forks behaviour of section
// 4.2.6/§SUPPLEMENTED FEATURES. Like OnNewClientResponse, it is always called
// with the shared group lock already held by the caller.
func (uas *UASTransaction) onFinalResponse() {
	if uas.sentFinal {
		return
	}
	uas.sentFinal = true
	uas.cancelTryingTimer()

	res := uas.best
	uas.module.hooks.OnTxResponse(uas, res)
	uas.module.hooks.OnFinalResponse(uas)

	if res.IsSuccess() {
		uas.CancelPendingUACs(0, "", true)
	} else if res.StatusCode == StatusRequestTerminated {
		uas.CancelPendingUACs(0, "", false)
	}

	if uas.tx != nil {
		if err := uas.tx.Respond(res); err != nil {
			uas.log.Warn().Err(err).Msg("failed to send final response upstream")
		}
		if res.IsSuccess() && uas.Request.IsInvite() {
			uas.tx.Terminate()
		}
	}

	if uas.module.metrics != nil {
		uas.module.metrics.FinalResponses.WithLabelValues(statusClass(res.StatusCode)).Inc()
	}
	uas.module.hooks.OnTxComplete(uas)

	if uas.done == nil {
		uas.done = make(chan struct{})
	}
	select {
	case <-uas.done:
	default:
		close(uas.done)
	}
}

func (uas *UASTransaction) finalizeWithStatus(status int, reason string) {
	res := sip.NewResponseFromRequest(uas.Request, status, reason, nil)
	uas.best = res
	uas.onFinalResponse()
}

// ProcessCancelRequest implements section 4.2.5's in-transaction path: a
// matched CANCEL cancels every pending UAC without dissociating them, so
// their eventual 487 still flows through best-response election.
func (uas *UASTransaction) ProcessCancelRequest() {
	if uas.module.metrics != nil {
		uas.module.metrics.Cancellations.Inc()
	}
	uas.CancelPendingUACs(0, "", false)
}

// CancelPendingUACs fans CANCEL out to every still-associated UAC. When
// dissociate is true (internal-origin cancellation, e.g. on 2xx
// short-circuit) each UAC is severed first so its eventual final response is
// swallowed instead of participating in election.
func (uas *UASTransaction) CancelPendingUACs(status int, reason string, dissociate bool) {
	for _, uac := range uas.uacs {
		if uac == nil {
			continue
		}
		if dissociate {
			uas.Dissociate(uac)
		}
		if err := uac.CancelPendingTx(status, reason); err != nil {
			uas.log.Warn().Err(err).Msg("failed to cancel pending fork")
		}
	}
}

// Dissociate implements section 4.4: sever both directions of the
// UAS<->UAC reference before either side is torn down.
func (uas *UASTransaction) Dissociate(uac *UACTransaction) {
	if uac.index >= 0 && uac.index < len(uas.uacs) && uas.uacs[uac.index] == uac {
		uas.uacs[uac.index] = nil
	}
	uac.uas = nil
}

// forwardACKStateless implements the degenerate ACK path of section 4.2.1.
func (uas *UASTransaction) forwardACKStateless(ctx context.Context) {
	uas.EnterContext()
	defer uas.ExitContext()

	req := uas.Request
	target := preprocessRoute(req, uas.module.HomeDomain)
	if target != nil && target.URI != nil {
		req.Recipient = *target.URI
	}

	servers, err := uas.module.resolver.Resolve(ctx, req.Recipient)
	if err != nil || len(servers) == 0 {
		uas.log.Warn().Err(err).Msg("failed to resolve destination for stateless ACK")
		return
	}
	req.SetDestination(servers[0].Addr())
	if err := uas.module.client.WriteRequest(req); err != nil {
		uas.log.Warn().Err(err).Msg("failed to forward stateless ACK")
	}
}

// EnterContext/ExitContext implement section 4.2.8.
func (uas *UASTransaction) EnterContext() { uas.guard.enter() }
func (uas *UASTransaction) ExitContext()  { uas.guard.exit() }
