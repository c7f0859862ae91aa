// Package recorder writes and finds company records in the on-chain registry.
package recorder

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type (
	registry interface {
		FindRecord(ctx context.Context, companyID *big.Int, treasury common.Address) (common.Hash, bool, error)
		Record(ctx context.Context, record Record) (common.Hash, error)
	}

	// Record is the payload of one CompanyRecorded event.
	Record struct {
		CompanyID *big.Int
		Treasury  common.Address
		ENSName   string
		Founders  []common.Address
		Threshold int
	}

	Recorder struct {
		registry registry
		logger   *slog.Logger
	}
)

func NewRecorder(registry registry) *Recorder {
	return &Recorder{
		registry: registry,
		logger:   logger.Named("company_recorder"),
	}
}

// CompanyID derives the on-chain company id from a stable job id.
func CompanyID(jobID string) *big.Int {
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(jobID)))
}

// RecordCompany emits the linking event once. A record already on chain for
// the same company and treasury is returned instead of a new transaction.
func (r *Recorder) RecordCompany(ctx context.Context, record Record) (common.Hash, error) {
	log := r.logger.With("company_id", record.CompanyID.String()).With("treasury", record.Treasury.Hex())

	txHash, found, err := r.registry.FindRecord(ctx, record.CompanyID, record.Treasury)
	if err != nil {
		return common.Hash{}, failure.Wrap(failure.CodeRecordFailed, failure.KindRecoverable, err, "failed to look up company record")
	}
	if found {
		log.With("tx_hash", txHash.Hex()).Info("company already recorded")
		return txHash, nil
	}

	txHash, submitErr := r.registry.Record(ctx, record)
	if submitErr != nil {
		if txHash, found, err := r.registry.FindRecord(ctx, record.CompanyID, record.Treasury); err == nil && found {
			return txHash, nil
		}
		return common.Hash{}, failure.Wrap(failure.CodeRecordFailed, chain.Classify(submitErr), submitErr, "failed to record company")
	}

	log.With("tx_hash", txHash.Hex()).With("ens_name", record.ENSName).Info("company recorded")

	return txHash, nil
}
