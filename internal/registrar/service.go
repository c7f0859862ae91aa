package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/compose-network/company-registrar/configs"
	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/observability"
	"github.com/compose-network/company-registrar/internal/registrar/cost"
	"github.com/compose-network/company-registrar/internal/registrar/ens"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/compose-network/company-registrar/internal/registrar/infra/sqlite"
	"github.com/compose-network/company-registrar/internal/registrar/prepayment"
	"github.com/compose-network/company-registrar/internal/registrar/projector"
	"github.com/compose-network/company-registrar/internal/registrar/recorder"
	"github.com/compose-network/company-registrar/internal/registrar/saga"
	"github.com/compose-network/company-registrar/internal/registrar/treasury"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
)

// service holds every component wired against one RPC endpoint and one job
// store. Each command builds it once and closes it on exit.
type service struct {
	cfg          configs.Registrar
	client       *ethclient.Client
	store        *sqlite.JobStore
	names        *ens.Registrar
	estimator    *cost.Estimator
	orchestrator *saga.Orchestrator
	projector    *projector.Projector
	metrics      *prometheus.Registry
}

func newService(ctx context.Context, cfg configs.Registrar) (*service, error) {
	log := logger.Named("registrar")

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rpc %s: %w", cfg.Chain.RPCURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if chainID.Cmp(big.NewInt(int64(cfg.Chain.ChainID))) != 0 {
		client.Close()
		return nil, fmt.Errorf("rpc reports chain id %s, configured %d", chainID, cfg.Chain.ChainID)
	}

	svc, err := wire(ctx, cfg, client, chainID, log)
	if err != nil {
		client.Close()
		return nil, err
	}

	return svc, nil
}

func wire(ctx context.Context, cfg configs.Registrar, client *ethclient.Client, chainID *big.Int, log *slog.Logger) (*service, error) {
	registry := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	signer, err := chain.NewSigner(cfg.Signer.PrivateKey, chainID)
	if err != nil {
		return nil, err
	}
	lockDir := cfg.Signer.LockDir
	if lockDir == "" {
		lockDir = os.TempDir()
	}
	accountLock := flock.New(filepath.Join(lockDir, "registrar-"+strings.ToLower(signer.Address().Hex())+".lock"))
	submitter := chain.NewSubmitter(client, signer, chain.NewGate(), accountLock, cfg.Registration.MiningTimeout, metrics)

	c := cfg.Contracts
	ensClient, err := ens.NewClient(client, submitter, ens.Addresses{
		Controller:     common.HexToAddress(c.RegistrarController),
		Registry:       common.HexToAddress(c.ENSRegistry),
		BaseRegistrar:  common.HexToAddress(c.BaseRegistrar),
		PublicResolver: common.HexToAddress(c.PublicResolver),
	})
	if err != nil {
		return nil, err
	}

	windows := ens.Windows{
		MinCommitmentAge: cfg.Registration.MinCommitmentAge,
		MaxCommitmentAge: cfg.Registration.MaxCommitmentAge,
		PollInterval:     cfg.Registration.PollInterval,
	}
	if minAge, maxAge, err := ensClient.CommitmentWindow(ctx); err != nil {
		log.With("err", err.Error()).Warn("failed to read commitment window from controller, using configured values")
	} else {
		windows.MinCommitmentAge, windows.MaxCommitmentAge = minAge, maxAge
	}

	factory, err := treasury.NewFactory(client, submitter, treasury.Addresses{
		Factory:         common.HexToAddress(c.SafeProxyFactory),
		Singleton:       common.HexToAddress(c.SafeSingleton),
		FallbackHandler: common.HexToAddress(c.SafeFallbackHandler),
	})
	if err != nil {
		return nil, err
	}

	registryAddress := common.HexToAddress(c.CompanyRegistry)
	records, err := recorder.NewClient(client, submitter, registryAddress, cfg.Projector.FromBlock)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	migrations, err := store.Migrations(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	names := ens.NewRegistrar(ensClient, chain.NewBlockClock(client), windows)
	estimator := cost.NewEstimator(ensClient, factory)

	orchestrator := saga.NewOrchestrator(saga.Dependencies{
		Store:       store,
		Quoter:      estimator,
		Prepayments: prepayment.NewVerifier(client, chainID, common.HexToAddress(c.PaymentReceiver), uint64(cfg.Chain.Confirmations)),
		Names:       names,
		Assigner:    ens.NewAssigner(ensClient),
		Treasury:    treasury.NewDeployer(factory),
		Recorder:    recorder.NewRecorder(records),
		Records:     records,
		Observer:    metrics,
	}, saga.Config{
		Registrant:        signer.Address(),
		RevealWaitCeiling: cfg.Registration.RevealWaitCeiling,
		MaxAttempts:       cfg.Registration.MaxAttempts,
		InitialBackoff:    cfg.Registration.InitialBackoff,
		MaxBackoff:        cfg.Registration.MaxBackoff,
		MaxRestarts:       cfg.Registration.MaxRestarts,
		LeaseDuration:     cfg.Store.LeaseDuration,
	})

	proj, err := projector.NewProjector(client, orchestrator, registryAddress, cfg.Projector.FromBlock)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	log.
		With("signer", signer.Address().Hex()).
		With("chain_id", chainID.String()).
		With("min_commitment_age", windows.MinCommitmentAge.String()).
		With("store", cfg.Store.Path).
		With("store_migrations", len(migrations)).
		With("account_lock", accountLock.Path()).
		Info("registrar wired")

	return &service{
		cfg:          cfg,
		client:       client,
		store:        store,
		names:        names,
		estimator:    estimator,
		orchestrator: orchestrator,
		projector:    proj,
		metrics:      registry,
	}, nil
}

// Close waits for launched jobs, then releases the store and the connection.
func (s *service) Close() {
	s.orchestrator.Wait()
	if err := s.store.Close(); err != nil {
		logger.Named("registrar").With("err", err.Error()).Warn("failed to close job store")
	}
	s.client.Close()
}
