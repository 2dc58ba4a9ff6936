// Package settlement drives a paid session from preparation through output
// generation, escrow confirmation and attestation.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/attestation"
	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/app/domain/settlement"
	"github.com/R3E-Network/sessionpay/internal/app/metrics"
	attestationsvc "github.com/R3E-Network/sessionpay/internal/app/services/attestation"
	"github.com/R3E-Network/sessionpay/internal/app/services/inference"
	"github.com/R3E-Network/sessionpay/internal/app/services/sessionpay"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/app/system"
	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/pkg/logger"
	"github.com/google/uuid"
)

// ErrSessionSettled rejects processing a session that is already settled.
var ErrSessionSettled = svcerrors.New(svcerrors.CodeSessionSettled, "session already settled", http.StatusBadRequest)

// Input limits.
const (
	MaxModelLength  = 50
	MaxPromptLength = 4000
	MinMaxTokens    = 10
	MaxMaxTokens    = 4000
	MaxTemperature  = 2.0

	DefaultMaxTokens   = 2000
	DefaultTemperature = 0.7
)

// Engine is the part of the escrow engine the orchestrator drives.
type Engine interface {
	GetSession(ctx context.Context, requestID chain.Hash) (session.Session, error)
	ConfirmSuccess(ctx context.Context, caller chain.Address, requestID chain.Hash, outputRef string) (session.Receipt, error)
}

// PriceConverter values token amounts for display.
type PriceConverter interface {
	ToUSD(ctx context.Context, amount *big.Int, decimals uint8, pair string) (float64, error)
}

// Config holds orchestrator settings.
type Config struct {
	// Provider is the account that confirms sessions after generation.
	Provider   chain.Address
	OutputBase string
	// SchemaUID is registered on first use when zero.
	SchemaUID    chain.Hash
	ChainID      uint64
	Retry        RetryPolicy
	PendingTTL   time.Duration
	CompletedTTL time.Duration
	// TokenDecimals and PricePair value escrow amounts in USD.
	TokenDecimals uint8
	PricePair     string
	Pricing       inference.Pricing
	Clock         chain.Clock
}

func (c Config) withDefaults() Config {
	if c.OutputBase == "" {
		c.OutputBase = "https://outputs.sessionpay.local"
	}
	c.OutputBase = strings.TrimRight(c.OutputBase, "/")
	c.Retry = c.Retry.normalized()
	if c.PendingTTL <= 0 {
		c.PendingTTL = time.Hour
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = 24 * time.Hour
	}
	if c.TokenDecimals == 0 {
		c.TokenDecimals = 6
	}
	if c.PricePair == "" {
		c.PricePair = "USDC/USD"
	}
	if c.Pricing == (inference.Pricing{}) {
		c.Pricing = inference.DefaultPricing
	}
	if c.Clock == nil {
		c.Clock = chain.SystemClock{}
	}
	return c
}

// PrepareRequest is the client's session request. Optional fields use
// pointers so omitted values take defaults.
type PrepareRequest struct {
	Provider    string   `json:"provider"`
	Amount      string   `json:"amount"`
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Orchestrator coordinates generation, settlement and attestation.
type Orchestrator struct {
	engine    Engine
	jobs      storage.JobStore
	recorder  attestationsvc.Recorder
	generator inference.Generator
	prices    PriceConverter
	cfg       Config
	log       *logger.Logger

	schemaMu  sync.Mutex
	schemaUID chain.Hash

	mu       sync.Mutex
	inflight map[chain.Hash]struct{}
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ system.Service = (*Orchestrator)(nil)

// New constructs an orchestrator.
func New(engine Engine, jobs storage.JobStore, recorder attestationsvc.Recorder, generator inference.Generator, cfg Config, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	if generator == nil {
		generator = inference.StaticGenerator{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		engine:    engine,
		jobs:      jobs,
		recorder:  recorder,
		generator: generator,
		cfg:       cfg,
		log:       log,
		schemaUID: cfg.SchemaUID,
		inflight:  make(map[chain.Hash]struct{}),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// AttachPrices enables USD valuation of escrow amounts.
func (o *Orchestrator) AttachPrices(p PriceConverter) {
	o.mu.Lock()
	o.prices = p
	o.mu.Unlock()
}

func (o *Orchestrator) Name() string { return "settlement-orchestrator" }

func (o *Orchestrator) Start(context.Context) error { return nil }

// Stop waits for in-flight pipelines; see Close.
func (o *Orchestrator) Stop(ctx context.Context) error { return o.Close(ctx) }

// Close cancels background pipelines and waits for them to return.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) now() time.Time { return o.cfg.Clock.Now().UTC() }

// Prepare validates a session request, derives its identifiers and caches a
// pending job. The client then opens the escrow with the returned request id.
func (o *Orchestrator) Prepare(ctx context.Context, req PrepareRequest) (settlement.Job, error) {
	provider, err := NormalizeAddress("provider", req.Provider)
	if err != nil {
		return settlement.Job{}, err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return settlement.Job{}, svcerrors.Validation("amount must be a positive integer in token units")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" || len(model) > MaxModelLength {
		return settlement.Job{}, svcerrors.Validation(fmt.Sprintf("model must be 1 to %d characters", MaxModelLength))
	}
	if req.Prompt == "" || len(req.Prompt) > MaxPromptLength {
		return settlement.Job{}, svcerrors.Validation(fmt.Sprintf("prompt must be 1 to %d characters", MaxPromptLength))
	}
	params := settlement.Params{MaxTokens: DefaultMaxTokens, Temperature: DefaultTemperature}
	if req.MaxTokens != nil {
		if *req.MaxTokens < MinMaxTokens || *req.MaxTokens > MaxMaxTokens {
			return settlement.Job{}, svcerrors.Validation(fmt.Sprintf("maxTokens must be between %d and %d", MinMaxTokens, MaxMaxTokens))
		}
		params.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > MaxTemperature {
			return settlement.Job{}, svcerrors.Validation("temperature must be between 0 and 2")
		}
		params.Temperature = *req.Temperature
	}

	now := o.now()
	requestID := NewRequestID(now)
	inputHash, err := InputHash(req.Prompt, model, params, now)
	if err != nil {
		return settlement.Job{}, err
	}
	est := inference.EstimateCost(req.Prompt, params.MaxTokens, o.cfg.Pricing)

	job := settlement.Job{
		RequestID: requestID,
		Status:    settlement.StatusPending,
		Provider:  provider,
		Model:     model,
		Amount:    amount,
		AmountUSD: o.amountUSD(ctx, amount),
		InputHash: inputHash,
		Prompt:    req.Prompt,
		Params:    params,
		Usage: settlement.Usage{
			PromptTokens:     est.InputTokens,
			CompletionTokens: est.OutputTokens,
			TotalTokens:      est.InputTokens + est.OutputTokens,
			Cost:             est.CostUSD,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.jobs.SaveJob(ctx, job, o.cfg.PendingTTL); err != nil {
		o.log.WithError(err).WithField("request_id", requestID.Hex()).Warn("cache prepared session failed")
	}
	o.log.WithField("request_id", requestID.Hex()).
		WithField("input_hash", inputHash.Hex()).
		Info("session prepared")
	return job, nil
}

// NewRequestID derives a fresh 32-byte request identifier.
func NewRequestID(now time.Time) chain.Hash {
	return chain.Keccak256String(uuid.NewString() + "-" + strconv.FormatInt(now.UnixMilli(), 10))
}

// InputHash commits to the prompt and generation parameters.
func InputHash(prompt, model string, params settlement.Params, now time.Time) (chain.Hash, error) {
	buf, err := json.Marshal(struct {
		Prompt    string            `json:"prompt"`
		Model     string            `json:"model"`
		Params    settlement.Params `json:"params"`
		Timestamp int64             `json:"timestamp"`
	}{prompt, model, params, now.UnixMilli()})
	if err != nil {
		return chain.Hash{}, fmt.Errorf("encode input: %w", err)
	}
	return chain.Keccak256(buf), nil
}

// Process starts the settlement pipeline for an opened session. It returns
// immediately with the job in processing; the pipeline continues in the
// background.
func (o *Orchestrator) Process(ctx context.Context, requestID chain.Hash) (settlement.Job, error) {
	sess, err := o.engine.GetSession(ctx, requestID)
	if err != nil {
		return settlement.Job{}, err
	}
	if sess.Settled {
		return settlement.Job{}, ErrSessionSettled.WithOp("process")
	}

	cached, err := o.jobs.GetJob(ctx, requestID)
	hasJob := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		o.log.WithError(err).WithField("request_id", requestID.Hex()).Warn("load cached session failed")
	}
	if hasJob && cached.Status == settlement.StatusProcessing {
		return cached, nil
	}

	o.mu.Lock()
	if _, busy := o.inflight[requestID]; busy {
		o.mu.Unlock()
		if hasJob {
			return cached, nil
		}
		return o.jobFromSession(ctx, sess, settlement.StatusProcessing), nil
	}
	o.inflight[requestID] = struct{}{}
	o.mu.Unlock()

	job := o.jobFromSession(ctx, sess, settlement.StatusProcessing)
	if hasJob {
		job.Prompt = cached.Prompt
		job.Params = cached.Params
		job.CreatedAt = cached.CreatedAt
	}
	if job.Params.MaxTokens == 0 {
		job.Params = settlement.Params{MaxTokens: DefaultMaxTokens, Temperature: DefaultTemperature}
	}
	now := o.now()
	job.StartedAt = now
	job.UpdatedAt = now
	job.Progress = "Generating AI response..."
	o.save(ctx, job, o.cfg.PendingTTL)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, requestID)
			o.mu.Unlock()
		}()
		o.run(o.baseCtx, job)
	}()
	return job, nil
}

func (o *Orchestrator) run(ctx context.Context, job settlement.Job) {
	start := time.Now()
	id := job.RequestID
	log := o.log.WithField("request_id", id.Hex())

	prompt := job.Prompt
	if prompt == "" {
		prompt = "Generate a helpful AI response"
	}
	var res inference.Result
	err := Retry(ctx, o.cfg.Retry, nil, func(ctx context.Context) error {
		var gerr error
		res, gerr = o.generator.Generate(ctx, inference.Request{
			Model:       job.Model,
			Prompt:      prompt,
			MaxTokens:   job.Params.MaxTokens,
			Temperature: job.Params.Temperature,
		})
		return gerr
	})
	if err != nil {
		o.fail(ctx, job, "generate output", err, start)
		return
	}
	job.Output = res.Content
	job.Usage = settlement.Usage{
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		TotalTokens:      res.TotalTokens(),
		Cost:             res.Cost,
	}
	job.OutputRef = o.cfg.OutputBase + "/" + id.Hex()
	job.Progress = "Confirming settlement..."
	job.UpdatedAt = o.now()
	o.save(ctx, job, o.cfg.PendingTTL)

	var rcpt session.Receipt
	err = Retry(ctx, o.cfg.Retry, retryable, func(ctx context.Context) error {
		var cerr error
		rcpt, cerr = o.engine.ConfirmSuccess(ctx, o.cfg.Provider, id, job.OutputRef)
		return cerr
	})
	if err != nil {
		o.fail(ctx, job, "confirm settlement", err, start)
		return
	}
	job.Status = settlement.StatusSettled
	job.TxHash = rcpt.TxHash
	job.SettledAt = rcpt.Timestamp
	job.Progress = "Recording attestation..."
	job.UpdatedAt = o.now()
	o.save(ctx, job, o.cfg.CompletedTTL)
	log.WithField("tx_hash", rcpt.TxHash.Hex()).Info("session confirmed")

	job = o.attest(ctx, job)
	metrics.RecordSettlement(string(job.Status), time.Since(start))
}

// attest records the paid-inference claim for a settled job. On failure the
// job stays settled with the next attempt scheduled.
func (o *Orchestrator) attest(ctx context.Context, job settlement.Job) settlement.Job {
	now := o.now()
	uid, err := o.recordClaim(ctx, job)
	job.UpdatedAt = now
	if err != nil {
		job.Attempts++
		job.NextAttemptAt = now.Add(o.cfg.Retry.Delay(job.Attempts))
		job.Error = "attestation pending: " + err.Error()
		job.Progress = "Settled; attestation will be retried"
		o.save(ctx, job, o.cfg.CompletedTTL)
		o.log.WithError(err).
			WithField("request_id", job.RequestID.Hex()).
			WithField("attempts", job.Attempts).
			Warn("attestation failed; session left settled")
		return job
	}

	job.Status = settlement.StatusCompleted
	job.AttestationUID = uid
	job.CompletedAt = now
	job.Error = ""
	job.Progress = ""
	job.NextAttemptAt = time.Time{}
	o.save(ctx, job, o.cfg.CompletedTTL)
	o.log.WithField("request_id", job.RequestID.Hex()).
		WithField("attestation_uid", uid.Hex()).
		Info("session completed")
	return job
}

// recordClaim attests the settlement. The claim is stamped with the settlement
// time so every retry encodes the same bytes.
func (o *Orchestrator) recordClaim(ctx context.Context, job settlement.Job) (chain.Hash, error) {
	settledAt := job.SettledAt
	if settledAt.IsZero() {
		sess, err := o.engine.GetSession(ctx, job.RequestID)
		if err != nil {
			return chain.Hash{}, fmt.Errorf("load settlement time: %w", err)
		}
		settledAt = sess.SettledAt
	}
	return o.attestClaim(ctx, attestationsvc.Claim{
		Payer:     job.Payer,
		Provider:  job.Provider,
		RequestID: job.RequestID,
		Model:     job.Model,
		PriceUSDC: job.Amount,
		InputHash: job.InputHash,
		OutputRef: job.OutputRef,
		Status:    attestation.ClaimCompleted,
		ChainID:   o.cfg.ChainID,
		TxHash:    job.TxHash,
		Timestamp: settledAt,
	})
}

// AttestClaim records a paid-inference claim outside the settlement pipeline.
// A zero chain id or timestamp takes the configured chain and the current time.
func (o *Orchestrator) AttestClaim(ctx context.Context, claim attestationsvc.Claim) (chain.Hash, error) {
	if claim.Payer.IsZero() {
		return chain.Hash{}, svcerrors.Validation("payer is required")
	}
	if claim.RequestID.IsZero() {
		return chain.Hash{}, svcerrors.Validation("request_id is required")
	}
	if claim.ChainID == 0 {
		claim.ChainID = o.cfg.ChainID
	}
	if claim.Timestamp.IsZero() {
		claim.Timestamp = chain.BlockTime(o.now())
	}
	return o.attestClaim(ctx, claim)
}

func (o *Orchestrator) attestClaim(ctx context.Context, claim attestationsvc.Claim) (chain.Hash, error) {
	if o.recorder == nil {
		return chain.Hash{}, fmt.Errorf("no attestation recorder configured")
	}
	schema, err := o.schema(ctx)
	if err != nil {
		return chain.Hash{}, err
	}
	data, err := attestationsvc.EncodeClaim(claim)
	if err != nil {
		return chain.Hash{}, err
	}
	var uid chain.Hash
	err = Retry(ctx, o.cfg.Retry, retryable, func(ctx context.Context) error {
		var aerr error
		uid, aerr = o.recorder.Attest(ctx, attestationsvc.Request{
			Schema:    schema,
			Recipient: claim.Payer,
			Data:      data,
			Revocable: true,
		})
		return aerr
	})
	return uid, err
}

func (o *Orchestrator) schema(ctx context.Context) (chain.Hash, error) {
	o.schemaMu.Lock()
	defer o.schemaMu.Unlock()
	if !o.schemaUID.IsZero() {
		return o.schemaUID, nil
	}
	uid, err := attestationsvc.EnsureSchema(ctx, o.recorder, attestationsvc.PaidInferenceSchema, true)
	if err != nil {
		return chain.Hash{}, fmt.Errorf("register claim schema: %w", err)
	}
	o.schemaUID = uid
	return uid, nil
}

func (o *Orchestrator) fail(ctx context.Context, job settlement.Job, stage string, err error, start time.Time) {
	job.Status = settlement.StatusFailed
	job.Error = stage + ": " + err.Error()
	job.Progress = ""
	job.UpdatedAt = o.now()
	o.save(ctx, job, o.cfg.CompletedTTL)
	metrics.RecordSettlement(string(job.Status), time.Since(start))
	o.log.WithError(err).
		WithField("request_id", job.RequestID.Hex()).
		WithField("stage", stage).
		Error("settlement pipeline failed")
}

func (o *Orchestrator) save(ctx context.Context, job settlement.Job, ttl time.Duration) {
	if err := o.jobs.SaveJob(ctx, job, ttl); err != nil {
		o.log.WithError(err).WithField("request_id", job.RequestID.Hex()).Warn("cache session failed")
	}
}

// retryable rejects the engine's deterministic errors and validation failures.
func retryable(err error) bool {
	if sessionpay.Deterministic(err) {
		return false
	}
	switch svcerrors.CodeOf(err) {
	case svcerrors.CodeNotFound, svcerrors.CodeSchemaExists:
		return false
	}
	return true
}

func (o *Orchestrator) jobFromSession(ctx context.Context, sess session.Session, status settlement.Status) settlement.Job {
	sess = sess.Clone()
	return settlement.Job{
		RequestID: sess.RequestID,
		Status:    status,
		Payer:     sess.Payer,
		Provider:  sess.Provider,
		Model:     sess.Model,
		Amount:    sess.Amount,
		AmountUSD: o.amountUSD(ctx, sess.Amount),
		InputHash: sess.InputHash,
		OutputRef: sess.OutputRef,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: o.now(),
	}
}

func (o *Orchestrator) amountUSD(ctx context.Context, amount *big.Int) string {
	o.mu.Lock()
	prices := o.prices
	o.mu.Unlock()
	if prices == nil || amount == nil {
		return ""
	}
	usd, err := prices.ToUSD(ctx, amount, o.cfg.TokenDecimals, o.cfg.PricePair)
	if err != nil {
		return ""
	}
	return strconv.FormatFloat(usd, 'f', 6, 64)
}

// Status merges the cached job with the escrow session. Without a cached job
// the status is derived from the session alone.
func (o *Orchestrator) Status(ctx context.Context, requestID chain.Hash) (settlement.Job, error) {
	job, jobErr := o.jobs.GetJob(ctx, requestID)
	if jobErr != nil && !errors.Is(jobErr, storage.ErrNotFound) {
		return settlement.Job{}, jobErr
	}
	sess, sessErr := o.engine.GetSession(ctx, requestID)
	if sessErr != nil && svcerrors.CodeOf(sessErr) != svcerrors.CodeSessionNotFound {
		return settlement.Job{}, sessErr
	}
	hasJob, hasSess := jobErr == nil, sessErr == nil

	switch {
	case !hasJob && !hasSess:
		return settlement.Job{}, sessErr
	case !hasJob:
		return o.jobFromSession(ctx, sess, derivedStatus(sess)), nil
	case hasSess:
		if sess.Outcome == session.OutcomeRefunded && !job.Status.Terminal() {
			job.Status = settlement.StatusRefunded
		}
		if job.Payer.IsZero() {
			job.Payer = sess.Payer
		}
		if job.OutputRef == "" {
			job.OutputRef = sess.OutputRef
		}
	}
	if job.AmountUSD == "" {
		job.AmountUSD = o.amountUSD(ctx, job.Amount)
	}
	return job, nil
}

func derivedStatus(sess session.Session) settlement.Status {
	switch {
	case !sess.Settled:
		return settlement.StatusPending
	case sess.Outcome == session.OutcomeRefunded:
		return settlement.StatusRefunded
	default:
		return settlement.StatusCompleted
	}
}

// WaitForSettlement polls until the session is settled or ctx is done.
// Cancelling only stops the wait; settlement itself is unaffected.
func (o *Orchestrator) WaitForSettlement(ctx context.Context, requestID chain.Hash, interval time.Duration) (session.Session, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sess, err := o.engine.GetSession(ctx, requestID)
		switch {
		case err == nil && sess.Settled:
			return sess, nil
		case err != nil && svcerrors.CodeOf(err) != svcerrors.CodeSessionNotFound:
			return session.Session{}, err
		}
		select {
		case <-ctx.Done():
			return session.Session{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reattest retries the attestation for a settled job when it is due.
func (o *Orchestrator) Reattest(ctx context.Context, job settlement.Job) (settlement.Job, error) {
	if job.Status != settlement.StatusSettled {
		return job, fmt.Errorf("job %s is %s, not settled", job.RequestID, job.Status)
	}
	job = o.attest(ctx, job)
	if job.Status == settlement.StatusCompleted {
		metrics.RecordSettlement(string(job.Status), 0)
	}
	return job, nil
}

// ReconcileRefund marks a non-terminal job refunded when the escrow reports
// a refund. It reports whether the job changed.
func (o *Orchestrator) ReconcileRefund(ctx context.Context, job settlement.Job) (bool, error) {
	if job.Status.Terminal() {
		return false, nil
	}
	sess, err := o.engine.GetSession(ctx, job.RequestID)
	if err != nil {
		if svcerrors.CodeOf(err) == svcerrors.CodeSessionNotFound {
			return false, nil
		}
		return false, err
	}
	if sess.Outcome != session.OutcomeRefunded {
		return false, nil
	}
	job.Status = settlement.StatusRefunded
	job.Progress = ""
	job.UpdatedAt = o.now()
	o.save(ctx, job, o.cfg.CompletedTTL)
	o.log.WithField("request_id", job.RequestID.Hex()).Info("session refunded")
	return true, nil
}

// Jobs lists cached jobs in status.
func (o *Orchestrator) Jobs(ctx context.Context, status settlement.Status) ([]settlement.Job, error) {
	return o.jobs.ListJobs(ctx, status)
}
