package sessionpay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/app/metrics"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

const (
	// DefaultRefundDelay applies when no delay is configured.
	DefaultRefundDelay = 900 * time.Second
	// MaxRefundDelay is the inclusive upper bound for SetRefundDelay.
	MaxRefundDelay = 7 * 24 * time.Hour
)

// TokenLedger moves fungible balances. The engine holds escrow in its own
// account and pulls deposits with TransferFrom, so payers must approve the
// engine address beforehand.
type TokenLedger interface {
	TransferFrom(ctx context.Context, token, spender, from, to chain.Address, amount *big.Int) error
	Transfer(ctx context.Context, token, from, to chain.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, token, holder chain.Address) (*big.Int, error)
}

// Publisher receives committed events.
type Publisher interface {
	Publish(events ...session.Event)
}

// Config holds engine construction parameters.
type Config struct {
	// Address is the account that holds escrowed funds.
	Address chain.Address
	// Owner is used when no persisted engine state exists.
	Owner chain.Address
	// RefundDelay is used when no persisted engine state exists.
	RefundDelay time.Duration
	Clock       chain.Clock
}

// OpenRequest carries the openSession arguments. The payer is the caller.
type OpenRequest struct {
	Provider  chain.Address
	Token     chain.Address
	Amount    *big.Int
	RequestID chain.Hash
	Model     string
	InputHash chain.Hash
}

// Engine is the session-payment escrow. Each instance owns its registry
// through the session store; nothing is shared between instances.
type Engine struct {
	address  chain.Address
	sessions storage.SessionStore
	events   storage.EventStore
	ledger   TokenLedger
	clock    chain.Clock
	log      *logger.Logger

	cfgMu sync.RWMutex
	admin adminState

	locks *keyLock

	blockMu sync.Mutex
	block   uint64

	pubMu     sync.RWMutex
	publisher Publisher
}

// New constructs an engine, loading persisted administrative state when the
// store has it and seeding it from cfg otherwise.
func New(ctx context.Context, cfg Config, sessions storage.SessionStore, events storage.EventStore, ledger TokenLedger, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.NewDefault("sessionpay")
	}
	if sessions == nil || events == nil || ledger == nil {
		return nil, fmt.Errorf("sessionpay: session store, event store and ledger are required")
	}
	if cfg.Address.IsZero() {
		return nil, fmt.Errorf("sessionpay: escrow address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = chain.SystemClock{}
	}
	if cfg.RefundDelay == 0 {
		cfg.RefundDelay = DefaultRefundDelay
	}
	if cfg.RefundDelay < 0 || cfg.RefundDelay > MaxRefundDelay {
		return nil, ErrRefundDelayTooLong.WithOp("new")
	}

	e := &Engine{
		address:  cfg.Address,
		sessions: sessions,
		events:   events,
		ledger:   ledger,
		clock:    cfg.Clock,
		log:      log,
		locks:    newKeyLock(),
	}

	st, ok, err := sessions.LoadEngineState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load engine state: %w", err)
	}
	if !ok {
		if cfg.Owner.IsZero() {
			return nil, ErrInvalidOwner.WithOp("new")
		}
		st = session.EngineState{Owner: cfg.Owner, RefundDelay: cfg.RefundDelay}
		if err := sessions.SaveEngineState(ctx, st); err != nil {
			return nil, fmt.Errorf("save engine state: %w", err)
		}
	}
	e.admin = adminFromState(st)

	if latest, err := events.ListEvents(ctx, session.EventFilter{}); err == nil && len(latest) > 0 {
		e.block = latest[len(latest)-1].Block
	}

	log.WithField("address", cfg.Address.Hex()).
		WithField("owner", st.Owner.Hex()).
		WithField("refund_delay", st.RefundDelay.String()).
		Info("escrow engine ready")
	return e, nil
}

// AttachPublisher registers the sink for committed events.
func (e *Engine) AttachPublisher(p Publisher) {
	e.pubMu.Lock()
	e.publisher = p
	e.pubMu.Unlock()
}

// Address returns the escrow holder account.
func (e *Engine) Address() chain.Address { return e.address }

func (e *Engine) now() time.Time { return chain.BlockTime(e.clock.Now()) }

func (e *Engine) adminSnapshot() adminState {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.admin
}

// holdAdmin read-locks the administrative state until release is called, so
// pause and refund-delay changes wait for in-flight state changes to commit.
// Lock order is admin lock, then request lock. Callers must not call
// adminSnapshot while holding it.
func (e *Engine) holdAdmin() (adminState, func()) {
	e.cfgMu.RLock()
	return e.admin, e.cfgMu.RUnlock
}

// OpenSession escrows req.Amount of req.Token from caller for req.Provider.
func (e *Engine) OpenSession(ctx context.Context, caller chain.Address, req OpenRequest) (rcpt session.Receipt, err error) {
	const op = "openSession"
	defer e.observe(op, time.Now(), &err)

	admin, release := e.holdAdmin()
	defer release()
	if err := admin.requireNotPaused(); err != nil {
		return session.Receipt{}, withOp(err, op)
	}
	switch {
	case req.Provider.IsZero():
		return session.Receipt{}, ErrInvalidProvider.WithOp(op)
	case req.Token.IsZero():
		return session.Receipt{}, ErrInvalidToken.WithOp(op)
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return session.Receipt{}, ErrInvalidAmount.WithOp(op)
	}

	unlock := e.locks.lock(req.RequestID)
	defer unlock()

	if _, err := e.sessions.GetSession(ctx, req.RequestID); err == nil {
		return session.Receipt{}, ErrSessionExists.WithOp(op)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return session.Receipt{}, fmt.Errorf("%s: %w", op, err)
	}

	amount := new(big.Int).Set(req.Amount)
	if err := e.ledger.TransferFrom(ctx, req.Token, e.address, caller, e.address, amount); err != nil {
		return session.Receipt{}, ErrTransferFailed.WithOp(op).WithCause(err)
	}

	now := e.now()
	sess := session.Session{
		RequestID: req.RequestID,
		Payer:     caller,
		Provider:  req.Provider,
		Token:     req.Token,
		Amount:    amount,
		CreatedAt: now,
		Outcome:   session.OutcomeNone,
		Model:     req.Model,
		InputHash: req.InputHash,
	}
	if _, err := e.sessions.CreateSession(ctx, sess); err != nil {
		e.compensate(ctx, op, req.RequestID, func() error {
			return e.ledger.Transfer(ctx, req.Token, e.address, caller, amount)
		})
		if errors.Is(err, storage.ErrExists) {
			return session.Receipt{}, ErrSessionExists.WithOp(op)
		}
		return session.Receipt{}, fmt.Errorf("%s: record session: %w", op, err)
	}

	evt := session.Event{
		Type:      session.EventSessionOpened,
		RequestID: req.RequestID,
		Payer:     caller,
		Provider:  req.Provider,
		Token:     req.Token,
		Amount:    amount,
		Model:     req.Model,
		InputHash: req.InputHash,
		CreatedAt: now,
	}
	rcpt, err = e.commit(ctx, caller, op, now, []session.Event{evt}, req.RequestID.Bytes())
	if err != nil {
		e.compensate(ctx, op, req.RequestID, func() error {
			if err := e.sessions.DeleteSession(ctx, req.RequestID); err != nil {
				return err
			}
			return e.ledger.Transfer(ctx, req.Token, e.address, caller, amount)
		})
		return session.Receipt{}, err
	}

	metrics.AddEscrowed(req.Token.Hex(), amount)
	e.log.WithField("request_id", req.RequestID.Hex()).
		WithField("payer", caller.Hex()).
		WithField("provider", req.Provider.Hex()).
		WithField("amount", amount.String()).
		Info("session opened")
	return rcpt, nil
}

// ConfirmSuccess releases escrow to the provider and records outputRef.
func (e *Engine) ConfirmSuccess(ctx context.Context, caller chain.Address, requestID chain.Hash, outputRef string) (rcpt session.Receipt, err error) {
	const op = "confirmSuccess"
	defer e.observe(op, time.Now(), &err)

	admin, release := e.holdAdmin()
	defer release()
	if err := admin.requireNotPaused(); err != nil {
		return session.Receipt{}, withOp(err, op)
	}

	unlock := e.locks.lock(requestID)
	defer unlock()

	sess, err := e.loadOpen(ctx, op, requestID)
	if err != nil {
		return session.Receipt{}, err
	}
	if caller != sess.Provider {
		return session.Receipt{}, ErrOnlyProvider.WithOp(op)
	}
	if sess.Settled {
		return session.Receipt{}, ErrAlreadySettled.WithOp(op)
	}

	now := e.now()
	evt := session.Event{
		Type:      session.EventSessionSettled,
		RequestID: requestID,
		Payer:     sess.Payer,
		Provider:  sess.Provider,
		Token:     sess.Token,
		Amount:    sess.Amount,
		OutputRef: outputRef,
	}
	rcpt, err = e.settle(ctx, caller, op, now, sess, session.Settlement{
		RequestID: requestID,
		Outcome:   session.OutcomeConfirmed,
		OutputRef: outputRef,
		SettledAt: now,
	}, sess.Provider, evt)
	if err != nil {
		return session.Receipt{}, err
	}

	e.log.WithField("request_id", requestID.Hex()).
		WithField("provider", sess.Provider.Hex()).
		WithField("output_ref", outputRef).
		Info("session settled")
	return rcpt, nil
}

// Refund returns escrow to the payer once the refund delay has elapsed.
func (e *Engine) Refund(ctx context.Context, caller chain.Address, requestID chain.Hash) (rcpt session.Receipt, err error) {
	const op = "refund"
	defer e.observe(op, time.Now(), &err)

	admin, release := e.holdAdmin()
	defer release()
	if err := admin.requireNotPaused(); err != nil {
		return session.Receipt{}, withOp(err, op)
	}

	unlock := e.locks.lock(requestID)
	defer unlock()

	sess, err := e.loadOpen(ctx, op, requestID)
	if err != nil {
		return session.Receipt{}, err
	}
	if caller != sess.Payer {
		return session.Receipt{}, ErrOnlyPayer.WithOp(op)
	}
	if sess.Settled {
		return session.Receipt{}, ErrAlreadySettled.WithOp(op)
	}
	now := e.now()
	if !refundDue(sess, now, admin.refundDelay) {
		return session.Receipt{}, ErrRefundTooSoon.WithOp(op).
			WithDetails("refundable_at", sess.CreatedAt.Add(admin.refundDelay))
	}

	evt := session.Event{
		Type:      session.EventSessionRefunded,
		RequestID: requestID,
		Payer:     sess.Payer,
		Token:     sess.Token,
		Amount:    sess.Amount,
	}
	rcpt, err = e.settle(ctx, caller, op, now, sess, session.Settlement{
		RequestID: requestID,
		Outcome:   session.OutcomeRefunded,
		SettledAt: now,
	}, sess.Payer, evt)
	if err != nil {
		return session.Receipt{}, err
	}

	e.log.WithField("request_id", requestID.Hex()).
		WithField("payer", sess.Payer.Hex()).
		Info("session refunded")
	return rcpt, nil
}

// settle claims the session with a compare-and-set, pays recipient and
// appends evt. A failure after the claim reopens the session and returns the
// funds to escrow.
func (e *Engine) settle(ctx context.Context, caller chain.Address, op string, now time.Time, sess session.Session, st session.Settlement, recipient chain.Address, evt session.Event) (session.Receipt, error) {
	if _, err := e.sessions.SettleSession(ctx, st); err != nil {
		if errors.Is(err, storage.ErrAlreadySettled) {
			return session.Receipt{}, ErrAlreadySettled.WithOp(op)
		}
		return session.Receipt{}, fmt.Errorf("%s: record settlement: %w", op, err)
	}

	if err := e.ledger.Transfer(ctx, sess.Token, e.address, recipient, sess.Amount); err != nil {
		e.compensate(ctx, op, sess.RequestID, func() error {
			return e.sessions.ReopenSession(ctx, sess.RequestID)
		})
		return session.Receipt{}, ErrTransferFailed.WithOp(op).WithCause(err)
	}

	rcpt, err := e.commit(ctx, caller, op, now, []session.Event{evt}, sess.RequestID.Bytes(), []byte(st.OutputRef))
	if err != nil {
		e.compensate(ctx, op, sess.RequestID, func() error {
			if err := e.ledger.Transfer(ctx, sess.Token, recipient, e.address, sess.Amount); err != nil {
				return err
			}
			return e.sessions.ReopenSession(ctx, sess.RequestID)
		})
		return session.Receipt{}, err
	}

	metrics.AddEscrowed(sess.Token.Hex(), new(big.Int).Neg(sess.Amount))
	return rcpt, nil
}

func (e *Engine) loadOpen(ctx context.Context, op string, requestID chain.Hash) (session.Session, error) {
	sess, err := e.sessions.GetSession(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return session.Session{}, ErrSessionNotFound.WithOp(op)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("%s: load session: %w", op, err)
	}
	return sess, nil
}

// SetRefundDelay changes the refund window. Owner only; at most 7 days.
func (e *Engine) SetRefundDelay(ctx context.Context, caller chain.Address, delay time.Duration) (rcpt session.Receipt, err error) {
	const op = "setRefundDelay"
	defer e.observe(op, time.Now(), &err)

	delay = delay.Truncate(time.Second)
	return e.updateAdmin(ctx, caller, op, func(a adminState) (adminState, []session.Event, error) {
		if delay < 0 || delay > MaxRefundDelay {
			return a, nil, ErrRefundDelayTooLong
		}
		evt := session.Event{Type: session.EventRefundDelayUpdated, OldDelay: a.refundDelay, NewDelay: delay}
		a.refundDelay = delay
		return a, []session.Event{evt}, nil
	})
}

// Pause stops openSession, confirmSuccess and refund. Owner only.
func (e *Engine) Pause(ctx context.Context, caller chain.Address) (rcpt session.Receipt, err error) {
	const op = "pause"
	defer e.observe(op, time.Now(), &err)

	return e.updateAdmin(ctx, caller, op, func(a adminState) (adminState, []session.Event, error) {
		if a.paused {
			return a, nil, nil
		}
		a.paused = true
		return a, []session.Event{{Type: session.EventPaused, Account: caller}}, nil
	})
}

// Unpause resumes state-changing calls. Owner only.
func (e *Engine) Unpause(ctx context.Context, caller chain.Address) (rcpt session.Receipt, err error) {
	const op = "unpause"
	defer e.observe(op, time.Now(), &err)

	return e.updateAdmin(ctx, caller, op, func(a adminState) (adminState, []session.Event, error) {
		if !a.paused {
			return a, nil, nil
		}
		a.paused = false
		return a, []session.Event{{Type: session.EventUnpaused, Account: caller}}, nil
	})
}

// TransferOwnership hands the owner capability to newOwner.
func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner chain.Address) (rcpt session.Receipt, err error) {
	const op = "transferOwnership"
	defer e.observe(op, time.Now(), &err)

	return e.updateAdmin(ctx, caller, op, func(a adminState) (adminState, []session.Event, error) {
		next, err := a.ownable.transferred(newOwner)
		if err != nil {
			return a, nil, err
		}
		evt := session.Event{Type: session.EventOwnershipTransferred, PreviousOwner: a.owner, Account: newOwner}
		a.ownable = next
		return a, []session.Event{evt}, nil
	})
}

// updateAdmin applies an owner-only change under the config lock. The new
// state is persisted before it becomes visible; a failed event append
// restores the previous state.
func (e *Engine) updateAdmin(ctx context.Context, caller chain.Address, op string, change func(adminState) (adminState, []session.Event, error)) (session.Receipt, error) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()

	prev := e.admin
	if err := prev.requireOwner(caller); err != nil {
		return session.Receipt{}, withOp(err, op)
	}
	next, events, err := change(prev)
	if err != nil {
		return session.Receipt{}, withOp(err, op)
	}
	if len(events) == 0 {
		return session.Receipt{Receipt: chain.Receipt{Timestamp: e.now()}}, nil
	}

	if err := e.sessions.SaveEngineState(ctx, next.snapshot()); err != nil {
		return session.Receipt{}, fmt.Errorf("%s: save engine state: %w", op, err)
	}
	rcpt, err := e.commit(ctx, caller, op, e.now(), events)
	if err != nil {
		if restoreErr := e.sessions.SaveEngineState(ctx, prev.snapshot()); restoreErr != nil {
			e.log.WithError(restoreErr).WithField("op", op).Error("restore engine state failed")
		}
		return session.Receipt{}, err
	}
	e.admin = next

	e.log.WithField("op", op).WithField("caller", caller.Hex()).Info("engine configuration updated")
	return rcpt, nil
}

// commit stamps events with the next block, appends them to the event log
// and publishes them.
func (e *Engine) commit(ctx context.Context, caller chain.Address, op string, now time.Time, events []session.Event, payload ...[]byte) (session.Receipt, error) {
	e.blockMu.Lock()
	e.block++
	block := e.block
	e.blockMu.Unlock()

	parts := append([][]byte{[]byte(op)}, payload...)
	txHash := chain.TxHashFor(caller, block, parts...)
	for i := range events {
		events[i].TxHash = txHash
		events[i].Block = block
		events[i].Timestamp = now
	}

	stored, err := e.events.AppendEvents(ctx, events)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("%s: append events: %w", op, err)
	}

	e.pubMu.RLock()
	pub := e.publisher
	e.pubMu.RUnlock()
	if pub != nil {
		pub.Publish(stored...)
	}

	return session.Receipt{
		Receipt: chain.Receipt{TxHash: txHash, Block: block, Timestamp: now},
		Events:  stored,
	}, nil
}

func (e *Engine) compensate(ctx context.Context, op string, requestID chain.Hash, undo func() error) {
	if err := undo(); err != nil {
		e.log.WithError(err).
			WithField("op", op).
			WithField("request_id", requestID.Hex()).
			Error("rollback failed; manual reconciliation required")
	}
}

func (e *Engine) observe(op string, start time.Time, errp *error) {
	result := "ok"
	if *errp != nil {
		result = string(svcerrors.CodeOf(*errp))
	}
	metrics.RecordEngineOperation(op, result, time.Since(start))
}

func withOp(err error, op string) error {
	if se, ok := svcerrors.As(err); ok {
		return se.WithOp(op)
	}
	return err
}

func refundDue(sess session.Session, now time.Time, delay time.Duration) bool {
	return now.Sub(sess.CreatedAt) >= delay
}

// Owner returns the current owner.
func (e *Engine) Owner(context.Context) chain.Address { return e.adminSnapshot().owner }

// Paused reports whether state-changing calls are stopped.
func (e *Engine) Paused(context.Context) bool { return e.adminSnapshot().paused }

// RefundDelay returns the current refund window.
func (e *Engine) RefundDelay(context.Context) time.Duration { return e.adminSnapshot().refundDelay }

// State returns the administrative configuration.
func (e *Engine) State(context.Context) session.EngineState { return e.adminSnapshot().snapshot() }

// GetSession returns the full record or ErrSessionNotFound.
func (e *Engine) GetSession(ctx context.Context, requestID chain.Hash) (session.Session, error) {
	return e.loadOpen(ctx, "getSession", requestID)
}

// SessionExists reports whether requestID was ever opened.
func (e *Engine) SessionExists(ctx context.Context, requestID chain.Hash) (bool, error) {
	_, err := e.sessions.GetSession(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// IsSettled reports the settled flag; false for unknown sessions.
func (e *Engine) IsSettled(ctx context.Context, requestID chain.Hash) (bool, error) {
	sess, err := e.sessions.GetSession(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.Settled, nil
}

// CanRefund is true iff the session exists, is unsettled and the delay has
// elapsed.
func (e *Engine) CanRefund(ctx context.Context, requestID chain.Hash) (bool, error) {
	sess, err := e.sessions.GetSession(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !sess.Settled && refundDue(sess, e.now(), e.adminSnapshot().refundDelay), nil
}

// ListSessions returns sessions matching filter, newest first.
func (e *Engine) ListSessions(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	return e.sessions.ListSessions(ctx, filter)
}

// Events returns entries from the event log.
func (e *Engine) Events(ctx context.Context, filter session.EventFilter) ([]session.Event, error) {
	return e.events.ListEvents(ctx, filter)
}

// EscrowBalance returns the engine's holding of token.
func (e *Engine) EscrowBalance(ctx context.Context, token chain.Address) (*big.Int, error) {
	return e.ledger.BalanceOf(ctx, token, e.address)
}
