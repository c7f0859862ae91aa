package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	receiptPollInterval = time.Second
	lockRetryDelay      = 250 * time.Millisecond

	// gas limit used to rebuild a call for comparison only, never broadcast
	comparisonGasLimit = 1_000_000

	settledKept = 8
)

var (
	// ErrReverted marks a mined transaction whose receipt reports failure.
	ErrReverted = errors.New("transaction reverted")

	// ErrStillPending marks a submission refused because an earlier
	// transaction of the account is not mined yet.
	ErrStillPending = errors.New("earlier transaction still pending")
)

type (
	// Backend is the part of ethclient.Client the submitter needs.
	Backend interface {
		bind.DeployBackend
		PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
		NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
		SuggestGasPrice(ctx context.Context) (*big.Int, error)
		SendTransaction(ctx context.Context, tx *types.Transaction) error
	}

	// AccountLock serialises submissions of one account across processes.
	// *flock.Flock satisfies it.
	AccountLock interface {
		TryLockContext(ctx context.Context, retryDelay time.Duration) (bool, error)
		Unlock() error
	}

	// SendFunc builds and signs one transaction with the given options. The
	// submitter sets opts.NoSend and broadcasts the result itself.
	SendFunc func(opts *bind.TransactOpts) (*types.Transaction, error)

	gateObserver interface {
		ObserveGateWait(action string, waited time.Duration, queued int)
	}

	// pendingTx is a broadcast transaction without a receipt. Every
	// replacement shares its nonce, so any of hashes may be the one mined.
	pendingTx struct {
		action string
		tx     *types.Transaction
		hashes []common.Hash
	}

	// settledTx is a pending transaction mined while its caller had already
	// given up. A later submission of the same call gets its receipt back.
	settledTx struct {
		tx      *types.Transaction
		receipt *types.Receipt
	}

	// Submitter pushes transactions from the signer account through the gate
	// and waits for each to be mined before admitting the next. A transaction
	// that outlives its wait stays pending: no fresh nonce is used until it is
	// mined or replaced.
	Submitter struct {
		backend       Backend
		signer        *Signer
		gate          *Gate
		lock          AccountLock
		miningTimeout time.Duration
		observer      gateObserver
		logger        *slog.Logger

		// guarded by gate
		pending *pendingTx
		settled []settledTx
	}
)

// NewSubmitter returns a submitter for signer. lock may be nil when a single
// process owns the account.
func NewSubmitter(backend Backend, signer *Signer, gate *Gate, lock AccountLock, miningTimeout time.Duration, observer gateObserver) *Submitter {
	return &Submitter{
		backend:       backend,
		signer:        signer,
		gate:          gate,
		lock:          lock,
		miningTimeout: miningTimeout,
		observer:      observer,
		logger:        logger.Named("tx_submitter"),
	}
}

func (s *Submitter) From() common.Address { return s.signer.Address() }

// Submit sends one transaction and returns its successful receipt. A mined
// but failed transaction yields an error wrapping ErrReverted.
func (s *Submitter) Submit(ctx context.Context, action string, send SendFunc) (*types.Receipt, error) {
	release, err := s.acquire(ctx, action)
	if err != nil {
		return nil, err
	}
	defer release()

	if s.pending != nil {
		if err := s.settle(ctx); err != nil {
			return nil, err
		}
	}

	if receipt, ok, err := s.alreadyMined(ctx, send); ok || err != nil {
		if err != nil {
			return nil, err
		}
		s.logger.
			With("action", action).
			With("tx_hash", receipt.TxHash.Hex()).
			Info("transaction mined after its caller gave up, reusing receipt")
		return checkReceipt(action, receipt)
	}

	nonce, err := s.nextNonce(ctx)
	if err != nil {
		return nil, err
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	opts, err := s.signer.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasPrice = gasPrice
	opts.NoSend = true

	tx, err := send(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s transaction: %w", action, err)
	}
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to send %s transaction: %w", action, err)
	}
	s.pending = &pendingTx{action: action, tx: tx, hashes: []common.Hash{tx.Hash()}}

	s.logger.
		With("action", action).
		With("tx_hash", tx.Hash().Hex()).
		With("nonce", nonce).
		Info("transaction sent")

	receipt, err := s.waitMined(ctx, s.pending.hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for %s transaction %s: %w", action, tx.Hash().Hex(), err)
	}
	s.pending = nil

	return checkReceipt(action, receipt)
}

func (s *Submitter) acquire(ctx context.Context, action string) (func(), error) {
	queued := s.gate.Waiting()
	start := time.Now()
	if err := s.gate.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire submission gate for %s: %w", action, err)
	}

	if s.lock != nil {
		locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
		if err == nil && !locked {
			err = ctx.Err()
		}
		if err != nil {
			s.gate.Release()
			return nil, fmt.Errorf("failed to lock signer account for %s: %w", action, err)
		}
	}

	if s.observer != nil {
		s.observer.ObserveGateWait(action, time.Since(start), queued)
	}

	return func() {
		if s.lock != nil {
			if err := s.lock.Unlock(); err != nil {
				s.logger.With("err", err.Error()).Warn("failed to unlock signer account")
			}
		}
		s.gate.Release()
	}, nil
}

// settle waits for the pending transaction once more. When it is still not
// mined it is replaced at the same nonce with a higher gas price and the
// submission is refused.
func (s *Submitter) settle(ctx context.Context) error {
	p := s.pending
	receipt, err := s.waitMined(ctx, p.hashes)
	if err == nil {
		s.pending = nil
		s.settled = append(s.settled, settledTx{tx: p.tx, receipt: receipt})
		if len(s.settled) > settledKept {
			s.settled = s.settled[len(s.settled)-settledKept:]
		}
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("failed to wait for pending %s transaction: %w", p.action, err)
	}

	replacement, err := s.replace(ctx, p.tx)
	if err != nil {
		return fmt.Errorf("failed to replace pending %s transaction at nonce %d: %w", p.action, p.tx.Nonce(), err)
	}
	p.tx = replacement
	p.hashes = append(p.hashes, replacement.Hash())

	s.logger.
		With("action", p.action).
		With("tx_hash", replacement.Hash().Hex()).
		With("nonce", replacement.Nonce()).
		With("gas_price", replacement.GasPrice().String()).
		Warn("pending transaction replaced with a higher gas price")

	return fmt.Errorf("%s transaction at nonce %d: %w", p.action, p.tx.Nonce(), ErrStillPending)
}

// replace re-signs tx at its nonce with a gas price bumped past the node's
// replacement threshold.
func (s *Submitter) replace(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	gasPrice := new(big.Int).Mul(tx.GasPrice(), big.NewInt(9))
	gasPrice.Div(gasPrice, big.NewInt(8))
	gasPrice.Add(gasPrice, big.NewInt(1))

	if suggested, err := s.backend.SuggestGasPrice(ctx); err == nil && suggested.Cmp(gasPrice) > 0 {
		gasPrice = suggested
	}

	replacement, err := s.signer.Sign(types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce(),
		GasPrice: gasPrice,
		Gas:      tx.Gas(),
		To:       tx.To(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}))
	if err != nil {
		return nil, err
	}
	if err := s.backend.SendTransaction(ctx, replacement); err != nil {
		return nil, err
	}
	return replacement, nil
}

// alreadyMined reports the receipt of a settled transaction carrying the same
// call as send, consuming it.
func (s *Submitter) alreadyMined(ctx context.Context, send SendFunc) (*types.Receipt, bool, error) {
	if len(s.settled) == 0 {
		return nil, false, nil
	}

	opts, err := s.signer.TransactOpts(ctx)
	if err != nil {
		return nil, false, err
	}
	opts.Nonce = new(big.Int)
	opts.GasPrice = new(big.Int)
	opts.GasLimit = comparisonGasLimit
	opts.NoSend = true

	candidate, err := send(opts)
	if err != nil {
		return nil, false, nil
	}

	for i, settled := range s.settled {
		if sameCall(settled.tx, candidate) {
			s.settled = append(s.settled[:i], s.settled[i+1:]...)
			return settled.receipt, true, nil
		}
	}
	return nil, false, nil
}

// nextNonce returns the pending nonce once the account has nothing
// unconfirmed, which another process or an earlier run may have sent.
func (s *Submitter) nextNonce(ctx context.Context) (uint64, error) {
	account := s.signer.Address()

	pending, err := s.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	confirmed, err := s.backend.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get confirmed nonce: %w", err)
	}
	if pending <= confirmed {
		return pending, nil
	}

	s.logger.
		With("confirmed_nonce", confirmed).
		With("pending_nonce", pending).
		Warn("account has unconfirmed transactions, waiting for them")

	waitCtx, cancel := context.WithTimeout(ctx, s.miningTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return 0, fmt.Errorf("%d unconfirmed transactions ahead of nonce %d: %w", pending-confirmed, confirmed, ErrStillPending)
		case <-ticker.C:
		}

		confirmed, err = s.backend.NonceAt(waitCtx, account, nil)
		if err == nil && confirmed >= pending {
			// the chain moved under this caller, whose step must look again
			return 0, fmt.Errorf("unconfirmed transactions up to nonce %d were mined: %w", pending, ErrStillPending)
		}
	}
}

// waitMined polls for a receipt of any of hashes until the mining timeout.
func (s *Submitter) waitMined(ctx context.Context, hashes []common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.miningTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		for _, hash := range hashes {
			receipt, err := s.backend.TransactionReceipt(waitCtx, hash)
			if err == nil {
				return receipt, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				s.logger.With("tx_hash", hash.Hex()).With("err", err.Error()).Debug("failed to fetch receipt")
			}
		}

		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

func checkReceipt(action string, receipt *types.Receipt) (*types.Receipt, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s transaction %s: %w", action, receipt.TxHash.Hex(), ErrReverted)
	}

	logger.Named("tx_submitter").
		With("action", action).
		With("tx_hash", receipt.TxHash.Hex()).
		With("block_number", receipt.BlockNumber).
		Info("transaction mined")

	return receipt, nil
}

func sameCall(a, b *types.Transaction) bool {
	if (a.To() == nil) != (b.To() == nil) {
		return false
	}
	if a.To() != nil && *a.To() != *b.To() {
		return false
	}
	return a.Value().Cmp(b.Value()) == 0 && bytes.Equal(a.Data(), b.Data())
}

// Classify maps a chain error to a failure kind: reverts are logic conflicts,
// everything else (network, nonce, underpricing, timeouts) is worth retrying.
func Classify(err error) failure.Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrReverted) || strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return failure.KindTerminal
	}
	return failure.KindRecoverable
}
