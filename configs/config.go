package configs

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var Values Config

type (
	Config struct {
		Log           Log           `mapstructure:"log"`
		Registrar     Registrar     `mapstructure:"registrar"`
		Observability Observability `mapstructure:"observability"`
	}

	Log struct {
		Level string `mapstructure:"level"`
	}

	Registrar struct {
		Chain        Chain        `mapstructure:"chain"`
		Signer       Signer       `mapstructure:"signer"`
		Contracts    Contracts    `mapstructure:"contracts"`
		Registration Registration `mapstructure:"registration"`
		Store        Store        `mapstructure:"store"`
		Projector    Projector    `mapstructure:"projector"`
	}

	Chain struct {
		RPCURL        string `mapstructure:"rpc-url"`
		ChainID       int    `mapstructure:"chain-id"`
		Confirmations int    `mapstructure:"confirmations"`
	}

	Signer struct {
		PrivateKey string `mapstructure:"private-key"`
		// LockDir holds the per-account lock file shared by every registrar
		// process; empty means the OS temp dir.
		LockDir string `mapstructure:"lock-dir"`
	}

	Contracts struct {
		RegistrarController string `mapstructure:"registrar-controller"`
		ENSRegistry         string `mapstructure:"ens-registry"`
		BaseRegistrar       string `mapstructure:"base-registrar"`
		PublicResolver      string `mapstructure:"public-resolver"`
		SafeProxyFactory    string `mapstructure:"safe-proxy-factory"`
		SafeSingleton       string `mapstructure:"safe-singleton"`
		SafeFallbackHandler string `mapstructure:"safe-fallback-handler"`
		CompanyRegistry     string `mapstructure:"company-registry"`
		PaymentReceiver     string `mapstructure:"payment-receiver"`
	}

	Registration struct {
		Duration            time.Duration `mapstructure:"duration"`
		MinCommitmentAge    time.Duration `mapstructure:"min-commitment-age"`
		MaxCommitmentAge    time.Duration `mapstructure:"max-commitment-age"`
		RevealWaitCeiling   time.Duration `mapstructure:"reveal-wait-ceiling"`
		PollInterval        time.Duration `mapstructure:"poll-interval"`
		MaxAttempts         int           `mapstructure:"max-attempts"`
		InitialBackoff      time.Duration `mapstructure:"initial-backoff"`
		MaxBackoff          time.Duration `mapstructure:"max-backoff"`
		MaxRestarts         int           `mapstructure:"max-restarts"`
		MiningTimeout       time.Duration `mapstructure:"mining-timeout"`
		Retention           time.Duration `mapstructure:"retention"`
		GarbageCollectEvery time.Duration `mapstructure:"garbage-collect-every"`
	}

	Store struct {
		Path          string        `mapstructure:"path"`
		LeaseDuration time.Duration `mapstructure:"lease-duration"`
	}

	Projector struct {
		FromBlock uint64 `mapstructure:"from-block"`
	}

	Observability struct {
		MetricsListenAddress string `mapstructure:"metrics-listen-address"`
	}
)

// minRegistrationDuration is the shortest rental the .eth controller accepts.
const minRegistrationDuration = 28 * 24 * time.Hour

func (c *Registrar) Validate() error {
	var errs []error

	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("registrar.chain.rpc-url is required"))
	}
	if c.Chain.ChainID == 0 {
		errs = append(errs, errors.New("registrar.chain.chain-id is required"))
	}
	if c.Chain.Confirmations < 0 {
		errs = append(errs, errors.New("registrar.chain.confirmations must not be negative"))
	}
	if c.Signer.PrivateKey == "" {
		errs = append(errs, errors.New("registrar.signer.private-key is required"))
	}

	addresses := map[string]string{
		"registrar-controller":  c.Contracts.RegistrarController,
		"ens-registry":          c.Contracts.ENSRegistry,
		"base-registrar":        c.Contracts.BaseRegistrar,
		"public-resolver":       c.Contracts.PublicResolver,
		"safe-proxy-factory":    c.Contracts.SafeProxyFactory,
		"safe-singleton":        c.Contracts.SafeSingleton,
		"safe-fallback-handler": c.Contracts.SafeFallbackHandler,
		"company-registry":      c.Contracts.CompanyRegistry,
		"payment-receiver":      c.Contracts.PaymentReceiver,
	}
	for _, key := range slices.Sorted(maps.Keys(addresses)) {
		value := addresses[key]
		if value == "" {
			errs = append(errs, fmt.Errorf("registrar.contracts.%s is required", key))
			continue
		}
		if !common.IsHexAddress(value) {
			errs = append(errs, fmt.Errorf("registrar.contracts.%s is not a valid address: %q", key, value))
		}
	}

	r := c.Registration
	if r.Duration < minRegistrationDuration {
		errs = append(errs, fmt.Errorf("registrar.registration.duration must be at least %s", minRegistrationDuration))
	}
	if r.MinCommitmentAge <= 0 {
		errs = append(errs, errors.New("registrar.registration.min-commitment-age must be positive"))
	}
	if r.MaxCommitmentAge <= r.MinCommitmentAge {
		errs = append(errs, errors.New("registrar.registration.max-commitment-age must be greater than min-commitment-age"))
	}
	if r.RevealWaitCeiling < r.MinCommitmentAge {
		errs = append(errs, errors.New("registrar.registration.reveal-wait-ceiling must not be shorter than min-commitment-age"))
	}
	if r.PollInterval <= 0 {
		errs = append(errs, errors.New("registrar.registration.poll-interval must be positive"))
	}
	if r.MaxAttempts <= 0 {
		errs = append(errs, errors.New("registrar.registration.max-attempts must be positive"))
	}
	if r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
		errs = append(errs, errors.New("registrar.registration.initial-backoff must be positive and not exceed max-backoff"))
	}
	if r.MaxRestarts < 0 {
		errs = append(errs, errors.New("registrar.registration.max-restarts must not be negative"))
	}
	if r.MiningTimeout <= 0 {
		errs = append(errs, errors.New("registrar.registration.mining-timeout must be positive"))
	}

	if c.Store.Path == "" {
		errs = append(errs, errors.New("registrar.store.path is required"))
	}
	if c.Store.LeaseDuration <= 0 {
		errs = append(errs, errors.New("registrar.store.lease-duration must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("registrar configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}
