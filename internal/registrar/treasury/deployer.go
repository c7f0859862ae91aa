// Package treasury deploys the founders' multisig wallet at an address that
// can be predicted before deployment.
package treasury

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/ethereum/go-ethereum/common"
)

type (
	factory interface {
		ComputeAddress(ctx context.Context, owners []common.Address, threshold int, salt *big.Int) (common.Address, error)
		HasCode(ctx context.Context, address common.Address) (bool, error)
		Deploy(ctx context.Context, owners []common.Address, threshold int, salt *big.Int) (common.Hash, error)
	}

	Deployment struct {
		Address common.Address
		// TxHash is empty when the treasury was already deployed.
		TxHash   common.Hash
		Existing bool
	}

	Deployer struct {
		factory factory
		logger  *slog.Logger
	}
)

func NewDeployer(factory factory) *Deployer {
	return &Deployer{
		factory: factory,
		logger:  logger.Named("treasury_deployer"),
	}
}

// ValidateOwners rejects empty, duplicate or zero owners and thresholds
// outside [1, len(owners)].
func ValidateOwners(owners []common.Address, threshold int) error {
	if len(owners) == 0 {
		return failure.New(failure.CodeInvalidOwnerSet, failure.KindValidation, "owner set is empty")
	}

	seen := make(map[common.Address]struct{}, len(owners))
	for _, owner := range owners {
		if owner == (common.Address{}) {
			return failure.New(failure.CodeInvalidOwnerSet, failure.KindValidation, "owner set contains the zero address")
		}
		if _, ok := seen[owner]; ok {
			return failure.New(failure.CodeInvalidOwnerSet, failure.KindValidation, "owner %s is listed twice", owner.Hex())
		}
		seen[owner] = struct{}{}
	}

	if threshold < 1 || threshold > len(owners) {
		return failure.New(failure.CodeInvalidOwnerSet, failure.KindValidation, "threshold %d is outside [1, %d]", threshold, len(owners))
	}

	return nil
}

// Predict returns the address Deploy will use without sending anything.
func (d *Deployer) Predict(ctx context.Context, owners []common.Address, threshold int, salt *big.Int) (common.Address, error) {
	if err := ValidateOwners(owners, threshold); err != nil {
		return common.Address{}, err
	}

	address, err := d.factory.ComputeAddress(ctx, owners, threshold, salt)
	if err != nil {
		return common.Address{}, failure.Wrap(failure.CodeDeployFailed, failure.KindRecoverable, err, "failed to compute treasury address")
	}
	return address, nil
}

// Deploy creates the treasury unless code already exists at its address.
func (d *Deployer) Deploy(ctx context.Context, owners []common.Address, threshold int, salt *big.Int) (Deployment, error) {
	address, err := d.Predict(ctx, owners, threshold, salt)
	if err != nil {
		return Deployment{}, err
	}
	log := d.logger.With("treasury", address.Hex()).With("threshold", threshold).With("owners", len(owners))

	deployed, err := d.hasCode(ctx, address)
	if err != nil {
		return Deployment{}, err
	}
	if deployed {
		log.Info("treasury already deployed")
		return Deployment{Address: address, Existing: true}, nil
	}

	txHash, submitErr := d.factory.Deploy(ctx, owners, threshold, salt)
	if submitErr != nil {
		if deployed, err := d.hasCode(ctx, address); err == nil && deployed {
			log.Info("treasury deployed by an earlier attempt")
			return Deployment{Address: address, Existing: true}, nil
		}
		return Deployment{}, failure.Wrap(failure.CodeDeployFailed, chain.Classify(submitErr), submitErr, "failed to deploy treasury")
	}

	deployed, err = d.hasCode(ctx, address)
	if err != nil {
		return Deployment{}, err
	}
	if !deployed {
		return Deployment{}, failure.New(failure.CodeDeployFailed, failure.KindTerminal, "deployment %s confirmed but %s has no code", txHash.Hex(), address.Hex())
	}

	log.With("tx_hash", txHash.Hex()).Info("treasury deployed")

	return Deployment{Address: address, TxHash: txHash}, nil
}

func (d *Deployer) hasCode(ctx context.Context, address common.Address) (bool, error) {
	deployed, err := d.factory.HasCode(ctx, address)
	if err != nil {
		return false, failure.Wrap(failure.CodeDeployFailed, failure.KindRecoverable, err, "failed to check treasury code")
	}
	return deployed, nil
}
