package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// UACTransaction represents one downstream fork attempt: section 4.3.
type UACTransaction struct {
	uas   *UASTransaction // nil once dissociated
	index int

	client *sipgo.Client
	lock   *groupLock
	guard  *ctxGuard
	log    zerolog.Logger

	request       *sip.Request
	servers       []ResolvedServer
	currentServer int
	destination   *ResolvedServer // pre-selected, bypasses resolver/cursor

	tx sip.ClientTransaction

	sentCancel bool
}

func newUACTransaction(uas *UASTransaction, index int, client *sipgo.Client, req *sip.Request, target Target) *UACTransaction {
	uac := &UACTransaction{
		uas:         uas,
		index:       index,
		client:      client,
		lock:        uas.lock,
		request:     req,
		destination: target.Destination,
		log:         uas.log.With().Int("fork", index).Logger(),
	}
	uac.guard = newCtxGuard(uac.lock)
	return uac
}

// Init resolves servers (unless a destination was pre-selected); sending is
// left to Send. Section 4.3.1.
func (uac *UACTransaction) Init(ctx context.Context, resolver Resolver) error {
	if uac.destination == nil {
		servers, err := resolver.Resolve(ctx, uac.request.Recipient)
		if err != nil {
			return fmt.Errorf("proxy: resolve next hop: %w", err)
		}
		if len(servers) == 0 {
			return ErrServersExhausted
		}
		uac.servers = servers
	}
	return nil
}

// Send selects a destination, notifies hooks, and dispatches the request.
// Section 4.3.2. Called synchronously from the UAS's own forking loop, which
// already holds the shared group lock -- Send does not acquire it itself.
func (uac *UACTransaction) Send(ctx context.Context, hooks Hooks) error {
	dest, ok := uac.selectDestination()
	if !ok {
		return ErrNoDestination
	}
	uac.request.SetDestination(dest)

	hooks.OnTxClientRequest(uac, uac.request)

	tx, err := uac.client.TransactionRequest(ctx, uac.request, sipgo.ClientRequestAddVia, sipgo.ClientRequestAddRecordRoute)
	if err != nil {
		uac.log.Warn().Err(err).Str("dst", dest).Msg("uac send failed")
		return fmt.Errorf("proxy: send request: %w", err)
	}
	uac.tx = tx

	go uac.drive(ctx, hooks)
	return nil
}

func (uac *UACTransaction) selectDestination() (string, bool) {
	if uac.destination != nil {
		return uac.destination.Addr(), true
	}
	if uac.currentServer < len(uac.servers) {
		return uac.servers[uac.currentServer].Addr(), true
	}
	return "", false
}

// drive reads the sipgo client transaction's channels and translates them
// into the UAS response aggregator / retry decisions described in section
// 4.3.4. It runs on its own goroutine per fork so waiting on a fork's
// events, and any retry they trigger, never blocks the UAS's own goroutine.
func (uac *UACTransaction) drive(ctx context.Context, hooks Hooks) {
	tx := uac.tx
	for {
		select {
		case res, more := <-tx.Responses():
			if !more {
				return
			}
			uac.guard.enter()
			uac.handleResponse(ctx, hooks, res)
			uac.guard.exit()

		case <-tx.Done():
			uac.guard.enter()
			uac.handleDone(ctx, hooks, tx)
			uac.guard.exit()
			return
		}
	}
}

func (uac *UACTransaction) handleResponse(ctx context.Context, hooks Hooks, res *sip.Response) {
	if uac.uas == nil {
		return // already dissociated, e.g. post-cancellation
	}
	if res.IsServerError() {
		if uac.retry(ctx, hooks) {
			return
		}
	}
	forwarded := res.Clone()
	forwarded.RemoveHeader("Via")
	if !forwarded.IsProvisional() {
		uac.recordForkCompleted(forwarded.StatusCode)
	}
	uac.uas.OnNewClientResponse(uac, forwarded)
}

func (uac *UACTransaction) recordForkCompleted(statusCode int) {
	if uac.uas == nil || uac.uas.module == nil || uac.uas.module.metrics == nil {
		return
	}
	uac.uas.module.metrics.ForksCompleted.WithLabelValues(statusClass(statusCode)).Inc()
}

func (uac *UACTransaction) handleDone(ctx context.Context, hooks Hooks, tx sip.ClientTransaction) {
	if uac.tx != tx {
		// This was an old transaction left to drain after a retry rebound
		// uac.tx to a new handle; its late events are ignored.
		return
	}

	if uac.uas != nil {
		err := tx.Err()
		switch {
		case err == nil, errors.Is(err, sip.ErrTransactionTerminated):
		case errors.Is(err, sip.ErrTransactionCanceled):
		case errors.Is(err, sip.ErrTransactionTimeout), errors.Is(err, sip.ErrTransactionTransport):
			if uac.destination == nil && uac.currentServer < len(uac.servers) {
				uac.blacklistCurrent()
			}
			if uac.retry(ctx, hooks) {
				// A fresh transaction and drive goroutine now own this
				// fork; finalizing here would terminate the retry before
				// it gets a chance to run. uac.tx no longer equals tx, so
				// the old transaction's own Done() (already fired) is the
				// only event still pending on this goroutine, and it has
				// just been consumed.
				return
			}
			uac.sendTimeoutResponse()
		default:
			uac.log.Warn().Err(err).Msg("uac transaction ended with error")
			uac.sendTimeoutResponse()
		}
	}

	uac.guard.requestFinalize(func() { uac.finalize() })
}

func (uac *UACTransaction) blacklistCurrent() {
	if uac.uas == nil || uac.uas.module == nil || uac.uas.module.resolver == nil {
		return
	}
	uac.uas.module.resolver.Blacklist(uac.servers[uac.currentServer])
}

// retry implements section 4.3.4's retry procedure. Returns true if the
// request was sent to the next server; returns false when no server is left
// or the send fails, and the caller then synthesizes 408 or forwards the 5xx.
// The server cursor only ever advances.
func (uac *UACTransaction) retry(ctx context.Context, hooks Hooks) bool {
	if uac.destination != nil {
		return false // pre-selected destination, no server list to advance
	}
	uac.currentServer++
	if uac.currentServer >= len(uac.servers) {
		return false
	}

	if via, ok := uac.request.Via(); ok {
		via.Params.Add("branch", sip.GenerateBranchN(16))
	}

	old := uac.tx
	dest := uac.servers[uac.currentServer].Addr()
	uac.request.SetDestination(dest)

	hooks.OnTxClientRequest(uac, uac.request)

	tx, err := uac.client.TransactionRequest(ctx, uac.request, sipgo.ClientRequestAddVia, sipgo.ClientRequestAddRecordRoute)
	if err != nil {
		uac.log.Warn().Err(err).Str("dst", dest).Msg("retry send failed")
		return false // let the caller synthesize 408 or forward the 5xx
	}

	if uac.uas != nil && uac.uas.module != nil && uac.uas.module.metrics != nil {
		uac.uas.module.metrics.Retries.Inc()
	}

	uac.tx = tx
	go uac.drive(ctx, hooks)

	_ = old // left to drain on its own Done(); its events are now ignored by handleDone's tx identity check
	return true
}

func (uac *UACTransaction) sendTimeoutResponse() {
	if uac.uas == nil {
		return
	}
	res := sip.NewResponseFromRequest(uac.request, StatusRequestTimeout, "Request Timeout", nil)
	uac.recordForkCompleted(res.StatusCode)
	uac.uas.OnNewClientResponse(uac, res)
}

// CancelPendingTx implements section 4.3.3: a no-op once the transaction has
// already completed; otherwise builds and statelessly dispatches a CANCEL,
// optionally carrying a Reason header per RFC 3326.
func (uac *UACTransaction) CancelPendingTx(status int, reason string) error {
	if uac.sentCancel {
		return nil
	}
	if uac.tx != nil {
		select {
		case <-uac.tx.Done():
			return nil // already completed, cancel would be a no-op
		default:
		}
	}
	uac.sentCancel = true

	cancel := newCancelFor(uac.request)
	if status != 0 {
		cancel.AppendHeader(&sip.GenericHeader{
			HeaderName: "Reason",
			Contents:   fmt.Sprintf(`SIP ;cause=%d ;text="%s"`, status, reason),
		})
	}
	return uac.client.WriteRequest(cancel)
}

// finalize runs once no goroutine is left inside the UAC (section 4.2.8's
// discipline applied to the UAC side, section 4.3.5). It dissociates from
// the UAS and force-terminates the underlying transaction if sipgo hasn't
// already torn it down.
func (uac *UACTransaction) finalize() {
	if uac.tx != nil {
		select {
		case <-uac.tx.Done():
		default:
			uac.tx.Terminate()
		}
	}
	if uac.uas != nil {
		uac.uas.Dissociate(uac)
	}
}

func newCancelFor(req *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, req.Recipient)
	if via, ok := req.Via(); ok {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", req, cancel)
	maxFwd := sip.MaxForwards(70)
	cancel.AppendHeader(&maxFwd)
	if h, ok := req.From(); ok {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h, ok := req.To(); ok {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h, ok := req.CallID(); ok {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h, ok := req.CSeq(); ok {
		clone, _ := sip.HeaderClone(h).(*sip.CSeq)
		if clone != nil {
			clone.MethodName = sip.CANCEL
			cancel.AppendHeader(clone)
		}
	}
	cancel.SetTransport(req.Transport())
	cancel.SetSource(req.Source())
	cancel.SetDestination(req.Destination())
	return cancel
}
