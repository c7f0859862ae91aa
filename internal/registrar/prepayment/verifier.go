// Package prepayment checks that a requester paid for a registration.
package prepayment

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type (
	backend interface {
		TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
		TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
		BlockNumber(ctx context.Context) (uint64, error)
	}

	Payment struct {
		TxHash      common.Hash
		From        common.Address
		Value       *big.Int
		BlockNumber uint64
	}

	// Verifier checks that a requester paid the receiver enough, and that
	// the payment is buried under the configured number of confirmations.
	Verifier struct {
		backend       backend
		signer        types.Signer
		receiver      common.Address
		confirmations uint64
		logger        *slog.Logger
	}
)

func NewVerifier(backend backend, chainID *big.Int, receiver common.Address, confirmations uint64) *Verifier {
	return &Verifier{
		backend:       backend,
		signer:        types.LatestSignerForChainID(chainID),
		receiver:      receiver,
		confirmations: confirmations,
		logger:        logger.Named("prepayment_verifier"),
	}
}

func (v *Verifier) Verify(ctx context.Context, txHash common.Hash, requester common.Address, minimum *big.Int) (Payment, error) {
	log := v.logger.With("tx_hash", txHash.Hex()).With("requester", requester.Hex())

	tx, pending, err := v.backend.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return Payment{}, failure.New(failure.CodePrepaymentUnconfirmed, failure.KindRecoverable, "prepayment %s not found", txHash.Hex())
	}
	if err != nil {
		return Payment{}, failure.Wrap(failure.CodePrepaymentUnconfirmed, failure.KindRecoverable, err, "failed to fetch prepayment")
	}
	if pending {
		return Payment{}, failure.New(failure.CodePrepaymentUnconfirmed, failure.KindRecoverable, "prepayment %s is still pending", txHash.Hex())
	}

	if tx.To() == nil || *tx.To() != v.receiver {
		return Payment{}, failure.New(failure.CodeInvalidInput, failure.KindValidation, "prepayment %s was not sent to %s", txHash.Hex(), v.receiver.Hex())
	}
	from, err := types.Sender(v.signer, tx)
	if err != nil {
		return Payment{}, failure.Wrap(failure.CodeInvalidInput, failure.KindValidation, err, "failed to recover prepayment sender")
	}
	if from != requester {
		return Payment{}, failure.New(failure.CodeInvalidInput, failure.KindValidation, "prepayment %s was sent by %s, not %s", txHash.Hex(), from.Hex(), requester.Hex())
	}

	receipt, err := v.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		return Payment{}, failure.Wrap(failure.CodePrepaymentUnconfirmed, failure.KindRecoverable, err, "failed to fetch prepayment receipt")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Payment{}, failure.New(failure.CodeInvalidInput, failure.KindValidation, "prepayment %s failed on chain", txHash.Hex())
	}

	head, err := v.backend.BlockNumber(ctx)
	if err != nil {
		return Payment{}, failure.Wrap(failure.CodePrepaymentUnconfirmed, failure.KindRecoverable, err, "failed to read block number")
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < v.confirmations {
		return Payment{}, failure.New(failure.CodePrepaymentUnconfirmed, failure.KindRecoverable, "prepayment %s has not reached %d confirmations", txHash.Hex(), v.confirmations)
	}

	if tx.Value().Cmp(minimum) < 0 {
		return Payment{}, failure.New(failure.CodeInsufficientPrepayment, failure.KindValidation, "prepayment %s of %s wei is below the required %s wei", txHash.Hex(), tx.Value(), minimum)
	}

	log.With("value_wei", tx.Value().String()).With("block_number", mined).Info("prepayment verified")

	return Payment{
		TxHash:      txHash,
		From:        from,
		Value:       new(big.Int).Set(tx.Value()),
		BlockNumber: mined,
	}, nil
}
