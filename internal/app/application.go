package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/R3E-Network/sessionpay/internal/app/events"
	attestationsvc "github.com/R3E-Network/sessionpay/internal/app/services/attestation"
	"github.com/R3E-Network/sessionpay/internal/app/services/inference"
	pricefeedsvc "github.com/R3E-Network/sessionpay/internal/app/services/pricefeed"
	"github.com/R3E-Network/sessionpay/internal/app/services/sessionpay"
	"github.com/R3E-Network/sessionpay/internal/app/services/settlement"
	"github.com/R3E-Network/sessionpay/internal/app/services/token"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/app/storage/memory"
	"github.com/R3E-Network/sessionpay/internal/app/system"
	"github.com/R3E-Network/sessionpay/internal/chain"
	"github.com/R3E-Network/sessionpay/internal/config"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Sessions     storage.SessionStore
	Events       storage.EventStore
	Attestations storage.AttestationStore
	Jobs         storage.JobStore
	PriceFeeds   storage.PriceFeedStore
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Engine       *sessionpay.Engine
	Tokens       *token.Ledger
	Attestations attestationsvc.Recorder
	Orchestrator *settlement.Orchestrator
	PriceFeeds   *pricefeedsvc.Service
	Feed         *events.Feed

	// TokenAddress is the mock stablecoin registered on start-up.
	TokenAddress chain.Address
	// SchemaUID is the paid-inference claim schema.
	SchemaUID chain.Hash
}

// Option adjusts construction, mainly for tests.
type Option func(*options)

type options struct {
	clock      chain.Clock
	generator  inference.Generator
	httpClient *http.Client
}

// WithClock replaces the system clock.
func WithClock(c chain.Clock) Option { return func(o *options) { o.clock = c } }

// WithGenerator replaces the configured inference generator.
func WithGenerator(g inference.Generator) Option { return func(o *options) { o.generator = g } }

// New builds a fully initialised application with the provided stores.
func New(ctx context.Context, cfg *config.Config, stores Stores, log *logger.Logger, opts ...Option) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{clock: chain.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Inference.Timeout}
	}

	mem := memory.New()
	if stores.Sessions == nil {
		stores.Sessions = mem
	}
	if stores.Events == nil {
		stores.Events = mem
	}
	if stores.Attestations == nil {
		stores.Attestations = mem
	}
	if stores.Jobs == nil {
		stores.Jobs = mem
	}
	if stores.PriceFeeds == nil {
		stores.PriceFeeds = mem
	}

	addrs, err := parseAddresses(cfg)
	if err != nil {
		return nil, err
	}

	ledger := token.NewLedger(log.Named("token"))
	if _, err := ledger.RegisterMockUSDC(addrs.token, addrs.tokenOwner); err != nil {
		return nil, fmt.Errorf("register token: %w", err)
	}

	engine, err := sessionpay.New(ctx, sessionpay.Config{
		Address:     addrs.escrow,
		Owner:       addrs.owner,
		RefundDelay: cfg.Engine.RefundDelay,
		Clock:       o.clock,
	}, stores.Sessions, stores.Events, ledger, log.Named("sessionpay"))
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	feed := events.NewFeed(1000)
	engine.AttachPublisher(feed)

	var recorder attestationsvc.Recorder
	if endpoint := strings.TrimSpace(cfg.Attestation.Endpoint); endpoint != "" {
		httpRecorder, err := attestationsvc.NewHTTPRecorder(o.httpClient, endpoint, cfg.Attestation.APIKey, log.Named("attestation"))
		if err != nil {
			return nil, fmt.Errorf("configure attestation recorder: %w", err)
		}
		recorder = httpRecorder
	} else {
		recorder = attestationsvc.NewMemoryRecorder(stores.Attestations, addrs.attester, o.clock, log.Named("attestation"))
	}

	var schemaUID chain.Hash
	if raw := strings.TrimSpace(cfg.Orchestrator.SchemaUID); raw != "" {
		if schemaUID, err = chain.ParseHash(raw); err != nil {
			return nil, fmt.Errorf("schema uid: %w", err)
		}
	}

	generator := o.generator
	if generator == nil {
		if endpoint := strings.TrimSpace(cfg.Inference.Endpoint); endpoint != "" {
			gen, err := inference.NewHTTPGenerator(o.httpClient, endpoint, cfg.Inference.APIKey, log.Named("inference"))
			if err != nil {
				return nil, fmt.Errorf("configure inference: %w", err)
			}
			generator = gen
		} else {
			log.Warn("INFERENCE_URL not set; using static generator")
			generator = inference.StaticGenerator{}
		}
	}

	priceService := pricefeedsvc.New(stores.PriceFeeds, log.Named("pricefeed"))
	for _, pair := range cfg.PriceFeed.Pairs {
		base, quote, ok := strings.Cut(pair, "/")
		if !ok {
			return nil, fmt.Errorf("price feed pair %q must be BASE/QUOTE", pair)
		}
		if _, err := priceService.EnsureFeed(ctx, pricefeedsvc.FeedSpec{
			BaseAsset:        base,
			QuoteAsset:       quote,
			PricePath:        cfg.PriceFeed.PricePath,
			DeviationPercent: 0.5,
		}); err != nil {
			return nil, fmt.Errorf("ensure price feed %s: %w", pair, err)
		}
	}

	orchestrator := settlement.New(engine, stores.Jobs, recorder, generator, settlement.Config{
		Provider:   addrs.provider,
		OutputBase: cfg.Orchestrator.OutputBase,
		SchemaUID:  schemaUID,
		ChainID:    cfg.Orchestrator.ChainID,
		Retry: settlement.RetryPolicy{
			Attempts:     cfg.Orchestrator.RetryAttempts,
			InitialDelay: cfg.Orchestrator.RetryInitialDelay,
			MaxDelay:     cfg.Orchestrator.RetryMaxDelay,
		},
		PendingTTL:    cfg.Orchestrator.PendingTTL,
		CompletedTTL:  cfg.Orchestrator.CompletedTTL,
		TokenDecimals: token.MockUSDCDecimals,
		PricePair:     "USDC/USD",
		Clock:         o.clock,
	}, log.Named("settlement"))
	orchestrator.AttachPrices(priceService)

	manager := system.NewManager()
	services := []system.Service{
		orchestrator,
		settlement.NewPoller(orchestrator, cfg.Orchestrator.PollInterval, log.Named("settlement-poller")),
	}

	if endpoint := strings.TrimSpace(cfg.PriceFeed.FetchURL); endpoint != "" {
		fetcher, err := pricefeedsvc.NewHTTPFetcher(o.httpClient, endpoint, cfg.PriceFeed.FetchKey, log.Named("pricefeed"))
		if err != nil {
			return nil, fmt.Errorf("configure price fetcher: %w", err)
		}
		refresher := pricefeedsvc.NewRefresher(priceService, cfg.PriceFeed.Schedule, log.Named("pricefeed-runner"))
		refresher.WithFetcher(fetcher)
		services = append(services, refresher)
	} else {
		log.Warn("PRICEFEED_FETCH_URL not set; price feed refresher disabled")
	}

	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:      manager,
		log:          log,
		Engine:       engine,
		Tokens:       ledger,
		Attestations: recorder,
		Orchestrator: orchestrator,
		PriceFeeds:   priceService,
		Feed:         feed,
		TokenAddress: addrs.token,
		SchemaUID:    schemaUID,
	}, nil
}

type addressSet struct {
	escrow, owner, token, tokenOwner, provider, attester chain.Address
}

func parseAddresses(cfg *config.Config) (addressSet, error) {
	var set addressSet
	for _, f := range []struct {
		name string
		raw  string
		dst  *chain.Address
	}{
		{"engine address", cfg.Engine.Address, &set.escrow},
		{"engine owner", cfg.Engine.Owner, &set.owner},
		{"token address", cfg.Engine.TokenAddress, &set.token},
		{"token owner", firstNonEmpty(cfg.Engine.TokenOwner, cfg.Engine.Owner), &set.tokenOwner},
		{"provider", cfg.Orchestrator.Provider, &set.provider},
		{"attester", firstNonEmpty(cfg.Attestation.Attester, cfg.Orchestrator.Provider), &set.attester},
	} {
		addr, err := chain.ParseAddress(f.raw)
		if err != nil {
			return addressSet{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = addr
	}
	return set, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists registered lifecycle services.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
