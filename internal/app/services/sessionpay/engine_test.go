package sessionpay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/app/services/token"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/app/storage/memory"
	"github.com/R3E-Network/sessionpay/internal/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	escrowAddr = chain.MustParseAddress("0x00000000000000000000000000000000000000e5")
	ownerAddr  = chain.MustParseAddress("0x00000000000000000000000000000000000000f0")
	payerAddr  = chain.MustParseAddress("0x00000000000000000000000000000000000000a1")
	provAddr   = chain.MustParseAddress("0x00000000000000000000000000000000000000b2")
	otherAddr  = chain.MustParseAddress("0x00000000000000000000000000000000000000cc")
	usdcAddr   = chain.MustParseAddress("0x00000000000000000000000000000000000000c3")
)

const funded = 100_000_000

type harness struct {
	engine *Engine
	store  *memory.Store
	ledger *token.Ledger
	clock  *chain.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithEvents(t, nil)
}

func newHarnessWithEvents(t *testing.T, wrap func(storage.EventStore) storage.EventStore) *harness {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	ledger := token.NewLedger(nil)
	_, err := ledger.RegisterMockUSDC(usdcAddr, ownerAddr)
	require.NoError(t, err)
	require.NoError(t, ledger.Mint(ctx, usdcAddr, ownerAddr, payerAddr, big.NewInt(funded)))
	require.NoError(t, ledger.Approve(ctx, usdcAddr, payerAddr, escrowAddr, big.NewInt(funded)))

	var events storage.EventStore = store
	if wrap != nil {
		events = wrap(store)
	}
	clock := chain.NewManualClock(time.Unix(1_700_000_000, 0))
	engine, err := New(ctx, Config{Address: escrowAddr, Owner: ownerAddr, Clock: clock}, store, events, ledger, nil)
	require.NoError(t, err)
	return &harness{engine: engine, store: store, ledger: ledger, clock: clock}
}

func (h *harness) balance(t *testing.T, holder chain.Address) int64 {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), usdcAddr, holder)
	require.NoError(t, err)
	return b.Int64()
}

func (h *harness) open(t *testing.T, id chain.Hash, amount int64) session.Receipt {
	t.Helper()
	rcpt, err := h.engine.OpenSession(context.Background(), payerAddr, openReq(id, amount))
	require.NoError(t, err)
	return rcpt
}

func openReq(id chain.Hash, amount int64) OpenRequest {
	return OpenRequest{
		Provider:  provAddr,
		Token:     usdcAddr,
		Amount:    big.NewInt(amount),
		RequestID: id,
		Model:     "gpt-4o-mini",
		InputHash: chain.Keccak256String("prompt"),
	}
}

func TestOpenSessionEscrowsFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := chain.Keccak256String("open")

	rcpt := h.open(t, id, 2_500_000)
	require.Len(t, rcpt.Events, 1)
	assert.Equal(t, session.EventSessionOpened, rcpt.Events[0].Type)
	assert.Equal(t, uint64(1), rcpt.Block)
	assert.False(t, rcpt.TxHash.IsZero())

	exists, err := h.engine.SessionExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	sess, err := h.engine.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "2500000", sess.Amount.String())
	assert.Equal(t, payerAddr, sess.Payer)
	assert.Equal(t, h.clock.Now().Truncate(time.Second), sess.CreatedAt)
	assert.Equal(t, session.OutcomeNone, sess.Outcome)

	assert.EqualValues(t, 2_500_000, h.balance(t, escrowAddr))
	assert.EqualValues(t, funded-2_500_000, h.balance(t, payerAddr))
}

func TestOpenSessionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := chain.Keccak256String("bad")

	cases := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"zero provider", OpenRequest{Token: usdcAddr, Amount: big.NewInt(1), RequestID: id}, ErrInvalidProvider},
		{"zero token", OpenRequest{Provider: provAddr, Amount: big.NewInt(1), RequestID: id}, ErrInvalidToken},
		{"zero amount", OpenRequest{Provider: provAddr, Token: usdcAddr, Amount: big.NewInt(0), RequestID: id}, ErrInvalidAmount},
		{"nil amount", OpenRequest{Provider: provAddr, Token: usdcAddr, RequestID: id}, ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.OpenSession(ctx, payerAddr, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.EqualValues(t, 0, h.balance(t, escrowAddr))
}

func TestOpenSessionWithoutAllowanceMovesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.Approve(ctx, usdcAddr, payerAddr, escrowAddr, big.NewInt(0)))

	_, err := h.engine.OpenSession(ctx, payerAddr, openReq(chain.Keccak256String("na"), 10))
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)

	exists, err := h.engine.SessionExists(ctx, chain.Keccak256String("na"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.EqualValues(t, funded, h.balance(t, payerAddr))
}

func TestDuplicateOpenMovesNoFunds(t *testing.T) {
	h := newHarness(t)
	id := chain.Keccak256String("dup")
	h.open(t, id, 1_000_000)
	before := h.balance(t, payerAddr)

	_, err := h.engine.OpenSession(context.Background(), payerAddr, openReq(id, 1_000_000))
	require.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, before, h.balance(t, payerAddr))
	assert.EqualValues(t, 1_000_000, h.balance(t, escrowAddr))
}

func TestConfirmSuccessScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := chain.Keccak256String("R")
	h.open(t, id, 10_000_000)

	rcpt, err := h.engine.ConfirmSuccess(ctx, provAddr, id, "ipfs://out")
	require.NoError(t, err)
	require.Len(t, rcpt.Events, 1)
	assert.Equal(t, session.EventSessionSettled, rcpt.Events[0].Type)
	assert.Equal(t, "ipfs://out", rcpt.Events[0].OutputRef)

	sess, err := h.engine.GetSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Settled)
	assert.Equal(t, "ipfs://out", sess.OutputRef)
	assert.Equal(t, session.OutcomeConfirmed, sess.Outcome)

	assert.EqualValues(t, 10_000_000, h.balance(t, provAddr))
	assert.EqualValues(t, 0, h.balance(t, escrowAddr))

	settled, err := h.engine.IsSettled(ctx, id)
	require.NoError(t, err)
	assert.True(t, settled)

	_, err = h.engine.ConfirmSuccess(ctx, provAddr, id, "ipfs://again")
	require.ErrorIs(t, err, ErrAlreadySettled)
	h.clock.Advance(DefaultRefundDelay)
	_, err = h.engine.Refund(ctx, payerAddr, id)
	require.ErrorIs(t, err, ErrAlreadySettled)
	assert.EqualValues(t, 10_000_000, h.balance(t, provAddr))
}

func TestConfirmOnlyProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := chain.Keccak256String("only-provider")
	h.open(t, id, 5)

	for _, caller := range []chain.Address{payerAddr, ownerAddr, otherAddr} {
		_, err := h.engine.ConfirmSuccess(ctx, caller, id, "x")
		require.ErrorIs(t, err, ErrOnlyProvider)
	}
	assert.EqualValues(t, 5, h.balance(t, escrowAddr))

	_, err := h.engine.ConfirmSuccess(ctx, provAddr, chain.Keccak256String("missing"), "x")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefundOnlyPayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := chain.Keccak256String("only-payer")
	h.open(t, id, 5)
	h.clock.Advance(DefaultRefundDelay)

	for _, caller := range []chain.Address{provAddr, ownerAddr, otherAddr} {
		_, err := h.engine.Refund(ctx, caller, id)
		require.ErrorIs(t, err, ErrOnlyPayer)
	}
	assert.EqualValues(t, 5, h.balance(t, escrowAddr))
}

func TestRefundAtDelayBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := chain.Keccak256String("refund")
	h.open(t, id, 3_000_000)

	h.clock.Advance(DefaultRefundDelay - time.Second)
	_, err := h.engine.Refund(ctx, payerAddr, id)
	require.ErrorIs(t, err, ErrRefundTooSoon)

	h.clock.Advance(time.Second)
	rcpt, err := h.engine.Refund(ctx, payerAddr, id)
	require.NoError(t, err)
	assert.Equal(t, session.EventSessionRefunded, rcpt.Events[0].Type)
	assert.EqualValues(t, funded, h.balance(t, payerAddr))
	assert.EqualValues(t, 0, h.balance(t, escrowAddr))

	sess, err := h.engine.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeRefunded, sess.Outcome)
	assert.Empty(t, sess.OutputRef)

	_, err = h.engine.ConfirmSuccess(ctx, provAddr, id, "late")
	require.ErrorIs(t, err, ErrAlreadySettled)
}

func TestCanRefundTruthTable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	missing := chain.Keccak256String("missing")
	ok, err := h.engine.CanRefund(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok, "missing session")

	young := chain.Keccak256String("young")
	h.open(t, young, 1)
	ok, err = h.engine.CanRefund(ctx, young)
	require.NoError(t, err)
	assert.False(t, ok, "unsettled, delay not elapsed")

	settledEarly := chain.Keccak256String("settled-early")
	h.open(t, settledEarly, 1)
	_, err = h.engine.ConfirmSuccess(ctx, provAddr, settledEarly, "out")
	require.NoError(t, err)
	ok, err = h.engine.CanRefund(ctx, settledEarly)
	require.NoError(t, err)
	assert.False(t, ok, "settled, delay not elapsed")

	h.clock.Advance(DefaultRefundDelay)
	ok, err = h.engine.CanRefund(ctx, young)
	require.NoError(t, err)
	assert.True(t, ok, "unsettled, delay elapsed")

	ok, err = h.engine.CanRefund(ctx, settledEarly)
	require.NoError(t, err)
	assert.False(t, ok, "settled, delay elapsed")

	settled, err := h.engine.IsSettled(ctx, missing)
	require.NoError(t, err)
	assert.False(t, settled)
	_, err = h.engine.GetSession(ctx, missing)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSetRefundDelayBounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rcpt, err := h.engine.SetRefundDelay(ctx, ownerAddr, MaxRefundDelay)
	require.NoError(t, err)
	require.Len(t, rcpt.Events, 1)
	assert.Equal(t, DefaultRefundDelay, rcpt.Events[0].OldDelay)
	assert.Equal(t, MaxRefundDelay, rcpt.Events[0].NewDelay)
	assert.Equal(t, MaxRefundDelay, h.engine.RefundDelay(ctx))

	_, err = h.engine.SetRefundDelay(ctx, ownerAddr, MaxRefundDelay+time.Second)
	require.ErrorIs(t, err, ErrRefundDelayTooLong)
	assert.Equal(t, MaxRefundDelay, h.engine.RefundDelay(ctx))

	for _, d := range []time.Duration{0, time.Minute, MaxRefundDelay + time.Hour} {
		_, err := h.engine.SetRefundDelay(ctx, otherAddr, d)
		require.ErrorIs(t, err, ErrUnauthorized)
	}

	st, ok, err := h.store.LoadEngineState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MaxRefundDelay, st.RefundDelay)
}

func TestPauseBlocksStateChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	openID := chain.Keccak256String("before-pause")
	h.open(t, openID, 1)

	_, err := h.engine.Pause(ctx, otherAddr)
	require.ErrorIs(t, err, ErrUnauthorized)

	rcpt, err := h.engine.Pause(ctx, ownerAddr)
	require.NoError(t, err)
	require.Len(t, rcpt.Events, 1)
	assert.True(t, h.engine.Paused(ctx))

	again, err := h.engine.Pause(ctx, ownerAddr)
	require.NoError(t, err)
	assert.Empty(t, again.Events)

	req := openReq(chain.Keccak256String("paused"), 10)
	_, err = h.engine.OpenSession(ctx, payerAddr, req)
	require.ErrorIs(t, err, ErrPaused)
	_, err = h.engine.ConfirmSuccess(ctx, provAddr, openID, "x")
	require.ErrorIs(t, err, ErrPaused)
	h.clock.Advance(DefaultRefundDelay)
	_, err = h.engine.Refund(ctx, payerAddr, openID)
	require.ErrorIs(t, err, ErrPaused)

	_, err = h.engine.SetRefundDelay(ctx, ownerAddr, time.Hour)
	require.NoError(t, err)

	_, err = h.engine.Unpause(ctx, ownerAddr)
	require.NoError(t, err)
	_, err = h.engine.OpenSession(ctx, payerAddr, req)
	require.NoError(t, err)
}

func TestTransferOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.TransferOwnership(ctx, ownerAddr, chain.ZeroAddress)
	require.ErrorIs(t, err, ErrInvalidOwner)
	_, err = h.engine.TransferOwnership(ctx, otherAddr, otherAddr)
	require.ErrorIs(t, err, ErrUnauthorized)

	rcpt, err := h.engine.TransferOwnership(ctx, ownerAddr, otherAddr)
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, rcpt.Events[0].PreviousOwner)
	assert.Equal(t, otherAddr, h.engine.Owner(ctx))

	_, err = h.engine.Pause(ctx, ownerAddr)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.engine.Pause(ctx, otherAddr)
	require.NoError(t, err)
}

func TestEngineRestoresPersistedState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, chain.Keccak256String("a"), 1)
	_, err := h.engine.SetRefundDelay(ctx, ownerAddr, time.Hour)
	require.NoError(t, err)

	restarted, err := New(ctx, Config{Address: escrowAddr, Owner: otherAddr, Clock: h.clock}, h.store, h.store, h.ledger, nil)
	require.NoError(t, err)
	assert.Equal(t, ownerAddr, restarted.Owner(ctx))
	assert.Equal(t, time.Hour, restarted.RefundDelay(ctx))

	rcpt, err := restarted.OpenSession(ctx, payerAddr, openReq(chain.Keccak256String("b"), 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rcpt.Block)
}

func TestEventLogIsAppendOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := chain.Keccak256String("log")
	h.open(t, id, 10)
	_, err := h.engine.ConfirmSuccess(ctx, provAddr, id, "out")
	require.NoError(t, err)

	events, err := h.engine.Events(ctx, session.EventFilter{RequestID: id})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, session.EventSessionOpened, events[0].Type)
	assert.Equal(t, session.EventSessionSettled, events[1].Type)
	assert.Less(t, events[0].Seq, events[1].Seq)
	assert.Less(t, events[0].Block, events[1].Block)

	events[0].Amount.SetInt64(999)
	again, err := h.engine.Events(ctx, session.EventFilter{RequestID: id})
	require.NoError(t, err)
	assert.Equal(t, "10", again[0].Amount.String())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []session.Event
}

func (p *recordingPublisher) Publish(events ...session.Event) {
	p.mu.Lock()
	p.events = append(p.events, events...)
	p.mu.Unlock()
}

func TestPublisherReceivesCommittedEvents(t *testing.T) {
	h := newHarness(t)
	pub := &recordingPublisher{}
	h.engine.AttachPublisher(pub)

	h.open(t, chain.Keccak256String("pub"), 1)
	_, err := h.engine.OpenSession(context.Background(), payerAddr, openReq(chain.Keccak256String("pub"), 1))
	require.Error(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	assert.NotZero(t, pub.events[0].Seq)
}

func TestConcurrentSettlementHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := chain.Keccak256String("race")
	h.open(t, id, 7_000_000)
	h.clock.Advance(DefaultRefundDelay)

	var wins, settledErrs int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = h.engine.ConfirmSuccess(ctx, provAddr, id, "out")
			} else {
				_, err = h.engine.Refund(ctx, payerAddr, id)
			}
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrAlreadySettled):
				atomic.AddInt32(&settledErrs, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	assert.EqualValues(t, 15, settledErrs)
	assert.EqualValues(t, 0, h.balance(t, escrowAddr))
	assert.EqualValues(t, funded, h.balance(t, payerAddr)+h.balance(t, provAddr))
	assert.Zero(t, h.engine.locks.size())
}

func TestConcurrentOpensAcrossSessions(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := chain.Keccak256([]byte{byte(i)})
			if _, err := h.engine.OpenSession(context.Background(), payerAddr, openReq(id, 1_000)); err != nil {
				t.Errorf("open %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 20_000, h.balance(t, escrowAddr))

	list, err := h.engine.ListSessions(context.Background(), session.Filter{Payer: payerAddr})
	require.NoError(t, err)
	assert.Len(t, list, 20)
}

type failingEvents struct {
	storage.EventStore
	fail atomic.Bool
}

func (f *failingEvents) AppendEvents(ctx context.Context, events []session.Event) ([]session.Event, error) {
	if f.fail.Load() {
		return nil, errors.New("event store unavailable")
	}
	return f.EventStore.AppendEvents(ctx, events)
}

func TestFailedAppendRollsBack(t *testing.T) {
	var fe *failingEvents
	h := newHarnessWithEvents(t, func(inner storage.EventStore) storage.EventStore {
		fe = &failingEvents{EventStore: inner}
		return fe
	})
	ctx := context.Background()

	openFails := chain.Keccak256String("open-fails")
	fe.fail.Store(true)
	_, err := h.engine.OpenSession(ctx, payerAddr, openReq(openFails, 4))
	require.Error(t, err)
	exists, err := h.engine.SessionExists(ctx, openFails)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.EqualValues(t, funded, h.balance(t, payerAddr))

	fe.fail.Store(false)
	id := chain.Keccak256String("confirm-fails")
	h.open(t, id, 4)

	fe.fail.Store(true)
	_, err = h.engine.ConfirmSuccess(ctx, provAddr, id, "out")
	require.Error(t, err)
	settled, err := h.engine.IsSettled(ctx, id)
	require.NoError(t, err)
	assert.False(t, settled)
	assert.EqualValues(t, 0, h.balance(t, provAddr))
	assert.EqualValues(t, 4, h.balance(t, escrowAddr))

	_, err = h.engine.SetRefundDelay(ctx, ownerAddr, time.Hour)
	require.Error(t, err)
	assert.Equal(t, DefaultRefundDelay, h.engine.RefundDelay(ctx))
	st, _, err := h.store.LoadEngineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultRefundDelay, st.RefundDelay)

	fe.fail.Store(false)
	_, err = h.engine.ConfirmSuccess(ctx, provAddr, id, "out")
	require.NoError(t, err)
	assert.EqualValues(t, 4, h.balance(t, provAddr))
}

func TestNewRejectsBadConfig(t *testing.T) {
	store := memory.New()
	ledger := token.NewLedger(nil)
	ctx := context.Background()

	_, err := New(ctx, Config{Owner: ownerAddr}, store, store, ledger, nil)
	require.Error(t, err)
	_, err = New(ctx, Config{Address: escrowAddr}, store, store, ledger, nil)
	require.ErrorIs(t, err, ErrInvalidOwner)
	_, err = New(ctx, Config{Address: escrowAddr, Owner: ownerAddr, RefundDelay: MaxRefundDelay + time.Second}, store, store, ledger, nil)
	require.ErrorIs(t, err, ErrRefundDelayTooLong)
}

func TestDeterministic(t *testing.T) {
	assert.True(t, Deterministic(ErrRefundTooSoon.WithOp("refund")))
	assert.True(t, Deterministic(ErrPaused))
	assert.False(t, Deterministic(errors.New("connection reset")))
	assert.False(t, Deterministic(nil))

	assert.True(t, Deterministic(ErrTransferFailed.WithCause(token.ErrInsufficientAllowance)))
	assert.True(t, Deterministic(fmt.Errorf("confirm: %w", ErrTransferFailed.WithCause(token.ErrInsufficientBalance))))
	assert.False(t, Deterministic(ErrTransferFailed.WithCause(context.DeadlineExceeded)))
	assert.False(t, Deterministic(ErrTransferFailed.WithCause(errors.New("ledger unreachable"))))
	assert.False(t, Deterministic(ErrTransferFailed))
}

// gatedLedger parks the first gated ledger call until release is closed.
type gatedLedger struct {
	*token.Ledger
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedLedger(l *token.Ledger) *gatedLedger {
	return &gatedLedger{Ledger: l, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedLedger) wait() {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
}

func (g *gatedLedger) TransferFrom(ctx context.Context, tok, spender, from, to chain.Address, amount *big.Int) error {
	g.wait()
	return g.Ledger.TransferFrom(ctx, tok, spender, from, to, amount)
}

func (g *gatedLedger) Transfer(ctx context.Context, tok, from, to chain.Address, amount *big.Int) error {
	g.wait()
	return g.Ledger.Transfer(ctx, tok, from, to, amount)
}

func newGatedHarness(t *testing.T) (*harness, *gatedLedger) {
	t.Helper()
	h := newHarness(t)
	gated := newGatedLedger(h.ledger)
	engine, err := New(context.Background(), Config{Address: escrowAddr, Owner: ownerAddr, Clock: h.clock}, h.store, h.store, gated, nil)
	require.NoError(t, err)
	h.engine = engine
	return h, gated
}

func TestPauseWaitsForInFlightOpen(t *testing.T) {
	h, gated := newGatedHarness(t)
	ctx := context.Background()
	gated.armed.Store(true)

	openErr := make(chan error, 1)
	go func() {
		_, err := h.engine.OpenSession(ctx, payerAddr, openReq(chain.Keccak256String("in-flight"), 10))
		openErr <- err
	}()
	<-gated.entered

	var paused atomic.Bool
	pauseErr := make(chan error, 1)
	go func() {
		_, err := h.engine.Pause(ctx, ownerAddr)
		paused.Store(true)
		pauseErr <- err
	}()
	assert.Never(t, paused.Load, 50*time.Millisecond, 5*time.Millisecond)

	close(gated.release)
	require.NoError(t, <-openErr)
	require.NoError(t, <-pauseErr)
	assert.True(t, h.engine.Paused(ctx))

	events, err := h.engine.Events(ctx, session.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, session.EventSessionOpened, events[0].Type)
	assert.Equal(t, session.EventPaused, events[1].Type)
	assert.Less(t, events[0].Block, events[1].Block)

	_, err = h.engine.OpenSession(ctx, payerAddr, openReq(chain.Keccak256String("after-pause"), 10))
	require.ErrorIs(t, err, ErrPaused)
}

func TestRefundDelayChangeWaitsForInFlightRefund(t *testing.T) {
	h, gated := newGatedHarness(t)
	ctx := context.Background()
	id := chain.Keccak256String("refund-in-flight")
	h.open(t, id, 10)
	h.clock.Advance(DefaultRefundDelay)
	gated.armed.Store(true)

	refundErr := make(chan error, 1)
	go func() {
		_, err := h.engine.Refund(ctx, payerAddr, id)
		refundErr <- err
	}()
	<-gated.entered

	var updated atomic.Bool
	delayErr := make(chan error, 1)
	go func() {
		_, err := h.engine.SetRefundDelay(ctx, ownerAddr, MaxRefundDelay)
		updated.Store(true)
		delayErr <- err
	}()
	assert.Never(t, updated.Load, 50*time.Millisecond, 5*time.Millisecond)

	close(gated.release)
	require.NoError(t, <-refundErr)
	require.NoError(t, <-delayErr)

	events, err := h.engine.Events(ctx, session.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, session.EventSessionRefunded, events[1].Type)
	assert.Equal(t, session.EventRefundDelayUpdated, events[2].Type)
}
