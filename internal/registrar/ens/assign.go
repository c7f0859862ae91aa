package ens

import (
	"context"
	"log/slog"

	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/ethereum/go-ethereum/common"
)

type (
	records interface {
		Owner(ctx context.Context, label string) (common.Address, error)
		Resolver(ctx context.Context, node common.Hash) (common.Address, error)
		PublicResolver() common.Address
		SetResolver(ctx context.Context, node common.Hash, resolver common.Address) (common.Hash, error)
		Addr(ctx context.Context, node common.Hash) (common.Address, error)
		SetAddr(ctx context.Context, node common.Hash, target common.Address) (common.Hash, error)
		TokenOwner(ctx context.Context, label string) (common.Address, error)
		TransferToken(ctx context.Context, label string, to common.Address) (common.Hash, error)
		SetOwner(ctx context.Context, node common.Hash, owner common.Address) (common.Hash, error)
	}

	// Assigner points a registered name at the treasury and hands it over.
	Assigner struct {
		records records
		logger  *slog.Logger
	}
)

func NewAssigner(records records) *Assigner {
	return &Assigner{
		records: records,
		logger:  logger.Named("ens_assigner"),
	}
}

// Assign makes label.eth resolve to target and transfers both the registrar
// token and the registry node to it. Every sub-step checks chain state first,
// so a replay after a crash only sends what is still missing.
func (a *Assigner) Assign(ctx context.Context, label string, target common.Address) error {
	node := Node(label)
	log := a.logger.With("label", label).With("target", target.Hex())

	resolver, err := a.records.Resolver(ctx, node)
	if err != nil {
		return assignErr(err, "failed to read resolver")
	}
	if resolver == (common.Address{}) {
		registryOwner, err := a.records.Owner(ctx, label)
		if err != nil {
			return assignErr(err, "failed to read registry owner")
		}
		if registryOwner == target {
			// handed over already without a resolver; nothing left we may change
			log.Warn("name already owned by target without a resolver")
			return nil
		}
		if _, err := a.records.SetResolver(ctx, node, a.records.PublicResolver()); err != nil {
			return assignErr(err, "failed to set resolver")
		}
		log.Info("resolver set")
	}

	current, err := a.records.Addr(ctx, node)
	if err != nil {
		return assignErr(err, "failed to read address record")
	}
	if current != target {
		registryOwner, err := a.records.Owner(ctx, label)
		if err != nil {
			return assignErr(err, "failed to read registry owner")
		}
		if registryOwner == target {
			return failure.New(failure.CodeAssignFailed, failure.KindTerminal, "name %s was handed over before its address record was set", FullName(label))
		}
		if _, err := a.records.SetAddr(ctx, node, target); err != nil {
			return assignErr(err, "failed to set address record")
		}
		log.Info("address record set")
	}

	tokenOwner, err := a.records.TokenOwner(ctx, label)
	if err != nil {
		return assignErr(err, "failed to read token owner")
	}
	if tokenOwner != target {
		if _, err := a.records.TransferToken(ctx, label, target); err != nil {
			return assignErr(err, "failed to transfer name token")
		}
		log.Info("name token transferred")
	}

	registryOwner, err := a.records.Owner(ctx, label)
	if err != nil {
		return assignErr(err, "failed to read registry owner")
	}
	if registryOwner != target {
		if _, err := a.records.SetOwner(ctx, node, target); err != nil {
			return assignErr(err, "failed to set registry owner")
		}
		log.Info("registry owner set")
	}

	return nil
}

func assignErr(err error, msg string) error {
	return failure.Wrap(failure.CodeAssignFailed, chain.Classify(err), err, msg)
}
