package main

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fulfillment-engine/internal/fulfill"
	"github.com/sells-group/fulfillment-engine/internal/generation"
	"github.com/sells-group/fulfillment-engine/internal/kv"
	"github.com/sells-group/fulfillment-engine/internal/ledger"
	"github.com/sells-group/fulfillment-engine/internal/model"
	"github.com/sells-group/fulfillment-engine/internal/monitoring"
	"github.com/sells-group/fulfillment-engine/internal/payment"
	"github.com/sells-group/fulfillment-engine/internal/store"
	"github.com/sells-group/fulfillment-engine/internal/webhook"
	anthropicpkg "github.com/sells-group/fulfillment-engine/pkg/anthropic"
)

// engineEnv holds the initialized stores and pipeline components shared by
// the serve/resume/claims commands.
type engineEnv struct {
	Store        store.Store
	KV           kv.Store
	Ledger       *ledger.Ledger
	Guard        *webhook.Guard
	Orchestrator *fulfill.Orchestrator
	Checker      *monitoring.Checker
	Plans        *generation.PlanSet
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.KV != nil {
		_ = e.KV.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStores opens the session store and the kv store on the configured
// driver. For postgres both share one connection pool.
func initStores(ctx context.Context) (store.Store, kv.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "fulfillment.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, nil, err
		}
		kvs, err := kv.NewSQLite(dsn)
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, kvs, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
		if err != nil {
			return nil, nil, err
		}
		kvs := kv.NewPostgresFromPool(st.Pool())
		if err := kvs.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, kvs, nil
	default:
		return nil, nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine validates config, opens the stores, and wires the verification
// and generation pipeline. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	if err := cfg.Validate("serve"); err != nil {
		return nil, err
	}

	st, kvs, err := initStores(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = kvs.Close()
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	led := ledger.New(kvs, cfg.Ledger.MaxAttempts)
	guard := webhook.NewGuard(kvs, time.Duration(cfg.Ledger.WebhookReceiptTTLHours)*time.Hour)

	ethClient, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		_ = kvs.Close()
		_ = st.Close()
		return nil, eris.Wrap(err, "dial ethereum rpc")
	}

	feed := payment.NewCoinbaseFeed(cfg.Pricing.FeedURL, time.Duration(cfg.Pricing.FeedTTLSecs)*time.Second)

	tierPrices := make(map[model.Tier]float64, len(cfg.Pricing.TiersUSD))
	for name, usd := range cfg.Pricing.TiersUSD {
		tier, err := model.ParseTier(name)
		if err != nil {
			_ = kvs.Close()
			_ = st.Close()
			return nil, eris.Wrapf(err, "pricing tier %q", name)
		}
		tierPrices[tier] = usd
	}

	onchain, err := payment.NewOnChainVerifier(ethClient, feed, st, payment.OnChainConfig{
		ChainID:           cfg.Chain.ChainID,
		Recipient:         cfg.Chain.Recipient,
		SlippageTolerance: cfg.Chain.SlippageTolerance,
		TierPricesUSD:     tierPrices,
	})
	if err != nil {
		_ = kvs.Close()
		_ = st.Close()
		return nil, err
	}
	adapter := payment.NewAdapter(
		onchain,
		payment.NewStripeVerifier(st),
		payment.NewCoinbaseVerifier(st),
	)

	plans, err := generation.LoadPlans()
	if err != nil {
		_ = kvs.Close()
		_ = st.Close()
		return nil, err
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	runner := generation.NewAnthropicRunner(anthropicClient)
	machine := generation.NewMachine(st, runner, plans,
		time.Duration(cfg.Generation.StageTimeoutSecs)*time.Second,
		generation.Callbacks{
			OnStageComplete: func(sessionID string, stage int, name string) {
				zap.L().Info("analysis part delivered",
					zap.String("session_id", sessionID),
					zap.Int("stage", stage),
					zap.String("name", name))
			},
		})

	orch := fulfill.New(led, adapter, st, machine, plans)
	orch.ResumeThreshold = time.Duration(cfg.Ledger.StuckClaimThresholdMins) * time.Minute
	checker := monitoring.NewChecker(st, led,
		time.Duration(cfg.Ledger.StuckClaimThresholdMins)*time.Minute,
		time.Duration(cfg.Ledger.StuckClaimScanMins)*time.Minute)

	return &engineEnv{
		Store:        st,
		KV:           kvs,
		Ledger:       led,
		Guard:        guard,
		Orchestrator: orch,
		Checker:      checker,
		Plans:        plans,
	}, nil
}

// initAdminStores is the lighter bootstrap for the admin subcommands, which
// need the stores but not the verification or generation stack.
func initAdminStores(ctx context.Context) (store.Store, kv.Store, error) {
	if err := cfg.Validate("admin"); err != nil {
		return nil, nil, err
	}
	return initStores(ctx)
}
