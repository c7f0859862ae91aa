// Package ens registers .eth names through commit and reveal against chain
// time, and points registered names at their company treasury.
package ens

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"time"

	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/ethereum/go-ethereum/common"
)

type State string

const (
	StateUnchecked            State = "unchecked"
	StateAvailable            State = "available"
	StateUnavailable          State = "unavailable"
	StateCommitted            State = "committed"
	StateAwaitingRevealWindow State = "awaiting_reveal_window"
	StateRegistered           State = "registered"
)

type (
	registry interface {
		Owner(ctx context.Context, label string) (common.Address, error)
		CommitmentTime(ctx context.Context, commitment common.Hash) (time.Time, error)
		Commit(ctx context.Context, commitment common.Hash) (common.Hash, error)
		Register(ctx context.Context, label string, owner common.Address, duration time.Duration, secret [32]byte, value *big.Int) (common.Hash, error)
	}

	// Windows mirrors the registry's commit-reveal bounds. The registry
	// enforces them on chain; these values only keep us from submitting
	// transactions that are bound to fail.
	Windows struct {
		MinCommitmentAge time.Duration
		MaxCommitmentAge time.Duration
		PollInterval     time.Duration
	}

	// Registration is the persisted progress of one name through
	// commit, wait and register.
	Registration struct {
		Label       string
		Owner       common.Address
		Secret      [32]byte
		Commitment  common.Hash
		CommittedAt time.Time
		State       State
	}

	Availability struct {
		Available bool
		// Owner is nil when the name is available.
		Owner *common.Address
	}

	Registrar struct {
		registry registry
		clock    chain.Clock
		windows  Windows
		logger   *slog.Logger
	}
)

// NewRegistrar returns a registrar submitting through registry and reading
// time from clock. windows must match the controller's commitment ages.
func NewRegistrar(registry registry, clock chain.Clock, windows Windows) *Registrar {
	return &Registrar{
		registry: registry,
		clock:    clock,
		windows:  windows,
		logger:   logger.Named("ens_registrar"),
	}
}

// CheckAvailability is read-only and may be called any number of times.
func (r *Registrar) CheckAvailability(ctx context.Context, label string) (Availability, error) {
	if err := ValidateLabel(label); err != nil {
		return Availability{}, err
	}

	owner, err := r.registry.Owner(ctx, label)
	if err != nil {
		return Availability{}, failure.Wrap(failure.CodeRegistrationFailed, failure.KindRecoverable, err, "failed to read name owner")
	}

	if owner == (common.Address{}) {
		return Availability{Available: true}, nil
	}
	return Availability{Available: false, Owner: &owner}, nil
}

// Commit submits the hidden commitment for reg. A commitment the registry
// already holds and that has not expired is adopted instead of resubmitted.
func (r *Registrar) Commit(ctx context.Context, reg *Registration) error {
	log := r.logger.With("label", reg.Label)

	done, err := r.checkOwnership(ctx, reg)
	if err != nil || done {
		return err
	}

	if reg.Secret == ([32]byte{}) {
		if _, err := rand.Read(reg.Secret[:]); err != nil {
			return failure.Wrap(failure.CodeCommitFailed, failure.KindRecoverable, err, "failed to generate commitment secret")
		}
	}
	reg.Commitment = MakeCommitment(reg.Label, reg.Owner, reg.Secret)

	committedAt, err := r.liveCommitment(ctx, reg.Commitment)
	if err != nil {
		return err
	}
	if !committedAt.IsZero() {
		log.With("committed_at", committedAt).Info("commitment already on chain, skipping submission")
		reg.CommittedAt = committedAt
		reg.State = StateCommitted
		return nil
	}

	txHash, submitErr := r.registry.Commit(ctx, reg.Commitment)
	if submitErr != nil {
		// the transaction may have been mined even though we lost track of it
		committedAt, err := r.liveCommitment(ctx, reg.Commitment)
		if err == nil && !committedAt.IsZero() {
			reg.CommittedAt = committedAt
			reg.State = StateCommitted
			return nil
		}
		return failure.Wrap(failure.CodeCommitFailed, chain.Classify(submitErr), submitErr, "failed to submit commitment")
	}

	committedAt, err = r.registry.CommitmentTime(ctx, reg.Commitment)
	if err != nil {
		return failure.Wrap(failure.CodeCommitFailed, failure.KindRecoverable, err, "failed to read commitment time")
	}
	if committedAt.IsZero() {
		return failure.New(failure.CodeCommitFailed, failure.KindRecoverable, "commitment %s not visible after tx %s", reg.Commitment.Hex(), txHash.Hex())
	}

	reg.CommittedAt = committedAt
	reg.State = StateCommitted
	log.With("tx_hash", txHash.Hex()).With("committed_at", committedAt).Info("commitment submitted")

	return nil
}

// RevealOpensAt is the earliest chain time at which register may be sent.
func (r *Registrar) RevealOpensAt(reg *Registration) time.Time {
	return reg.CommittedAt.Add(r.windows.MinCommitmentAge)
}

// RevealClosesAt is the last chain time at which the commitment is usable.
func (r *Registrar) RevealClosesAt(reg *Registration) time.Time {
	return reg.CommittedAt.Add(r.windows.MaxCommitmentAge)
}

// AwaitRevealWindow polls chain time until the reveal window opens. It sleeps
// between polls and gives up with a timeout once ceiling has passed on the
// local clock, whatever the chain reports.
func (r *Registrar) AwaitRevealWindow(ctx context.Context, reg *Registration, ceiling time.Duration) error {
	if reg.CommittedAt.IsZero() {
		return failure.New(failure.CodeRevealTooEarly, failure.KindRecoverable, "name %q has no commitment to wait for", reg.Label)
	}

	reg.State = StateAwaitingRevealWindow
	opensAt := r.RevealOpensAt(reg)
	deadline := r.clock.Local().Add(ceiling)

	for {
		now, err := r.clock.Now(ctx)
		if err != nil {
			return failure.Wrap(failure.CodeTimeout, failure.KindRecoverable, err, "failed to read chain time")
		}

		if now.After(r.RevealClosesAt(reg)) {
			return failure.New(failure.CodeRevealExpired, failure.KindTerminal, "commitment for %q expired at %s", reg.Label, r.RevealClosesAt(reg))
		}
		if !now.Before(opensAt) {
			r.logger.With("label", reg.Label).With("chain_time", now).Info("reveal window open")
			return nil
		}

		left := deadline.Sub(r.clock.Local())
		if left <= 0 {
			r.logger.
				With("label", reg.Label).
				With("chain_time", now).
				With("opens_at", opensAt).
				Warn("gave up waiting for the reveal window")
			return failure.New(failure.CodeTimeout, failure.KindTimeout, "reveal window for %q did not open within %s", reg.Label, ceiling)
		}

		wait := min(r.windows.PollInterval, opensAt.Sub(now), left)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// Register reveals the commitment and registers the name to reg.Owner,
// paying value. A name that already belongs to reg.Owner counts as success.
func (r *Registrar) Register(ctx context.Context, reg *Registration, duration time.Duration, value *big.Int) error {
	log := r.logger.With("label", reg.Label)

	done, err := r.checkOwnership(ctx, reg)
	if err != nil || done {
		return err
	}

	now, err := r.clock.Now(ctx)
	if err != nil {
		return failure.Wrap(failure.CodeRegistrationFailed, failure.KindRecoverable, err, "failed to read chain time")
	}
	if reg.CommittedAt.IsZero() || now.Before(r.RevealOpensAt(reg)) {
		return failure.New(failure.CodeRevealTooEarly, failure.KindRecoverable, "reveal for %q opens at %s, chain time is %s", reg.Label, r.RevealOpensAt(reg), now)
	}
	if now.After(r.RevealClosesAt(reg)) {
		return failure.New(failure.CodeRevealExpired, failure.KindTerminal, "commitment for %q expired at %s", reg.Label, r.RevealClosesAt(reg))
	}

	txHash, submitErr := r.registry.Register(ctx, reg.Label, reg.Owner, duration, reg.Secret, value)
	if submitErr != nil {
		done, err := r.checkOwnership(ctx, reg)
		if err != nil || done {
			return err
		}
		return failure.Wrap(failure.CodeRegistrationFailed, chain.Classify(submitErr), submitErr, "failed to register name")
	}

	reg.State = StateRegistered
	log.With("tx_hash", txHash.Hex()).Info("name registered")

	return nil
}

// checkOwnership reports done when the name already belongs to reg.Owner and
// fails with NameUnavailable when someone else holds it.
func (r *Registrar) checkOwnership(ctx context.Context, reg *Registration) (bool, error) {
	availability, err := r.CheckAvailability(ctx, reg.Label)
	if err != nil {
		return false, err
	}
	if availability.Available {
		if reg.State == StateUnchecked {
			reg.State = StateAvailable
		}
		return false, nil
	}
	if *availability.Owner == reg.Owner {
		reg.State = StateRegistered
		return true, nil
	}

	reg.State = StateUnavailable
	return false, failure.New(failure.CodeNameUnavailable, failure.KindTerminal, "name %q is owned by %s", reg.Label, availability.Owner.Hex())
}

// liveCommitment returns the registry timestamp of commitment when it exists
// and has not yet expired.
func (r *Registrar) liveCommitment(ctx context.Context, commitment common.Hash) (time.Time, error) {
	committedAt, err := r.registry.CommitmentTime(ctx, commitment)
	if err != nil {
		return time.Time{}, failure.Wrap(failure.CodeCommitFailed, failure.KindRecoverable, err, "failed to read commitment time")
	}
	if committedAt.IsZero() {
		return time.Time{}, nil
	}

	now, err := r.clock.Now(ctx)
	if err != nil {
		return time.Time{}, failure.Wrap(failure.CodeCommitFailed, failure.KindRecoverable, err, "failed to read chain time")
	}
	if now.After(committedAt.Add(r.windows.MaxCommitmentAge)) {
		return time.Time{}, nil
	}

	return committedAt, nil
}
