package ens

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/ethereum/go-ethereum/common"
)

type fakeRegistry struct {
	mu          sync.Mutex
	clock       *chain.SimulatedClock
	minAge      time.Duration
	owners      map[string]common.Address
	commitments map[common.Hash]time.Time

	commitErr     error
	registerErr   error
	registerLands bool

	commitCalls   int
	registerCalls int
	registerValue *big.Int

	resolvers   map[common.Hash]common.Address
	addrs       map[common.Hash]common.Address
	tokenOwners map[string]common.Address
	writes      []string
}

func newFakeRegistry(clock *chain.SimulatedClock) *fakeRegistry {
	return &fakeRegistry{
		clock:       clock,
		minAge:      time.Minute,
		owners:      map[string]common.Address{},
		commitments: map[common.Hash]time.Time{},
		resolvers:   map[common.Hash]common.Address{},
		addrs:       map[common.Hash]common.Address{},
		tokenOwners: map[string]common.Address{},
	}
}

func (f *fakeRegistry) Owner(_ context.Context, label string) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[label], nil
}

func (f *fakeRegistry) CommitmentTime(_ context.Context, commitment common.Hash) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitments[commitment], nil
}

func (f *fakeRegistry) Commit(ctx context.Context, commitment common.Hash) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	if f.commitErr != nil {
		return common.Hash{}, f.commitErr
	}
	now, _ := f.clock.Now(ctx)
	f.commitments[commitment] = now
	return common.HexToHash("0xc0"), nil
}

func (f *fakeRegistry) Register(ctx context.Context, label string, owner common.Address, _ time.Duration, secret [32]byte, value *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	f.registerValue = value
	if f.registerErr != nil {
		if f.registerLands {
			f.owners[label] = owner
			f.tokenOwners[label] = owner
		}
		return common.Hash{}, f.registerErr
	}
	committedAt, ok := f.commitments[MakeCommitment(label, owner, secret)]
	now, _ := f.clock.Now(ctx)
	if !ok || now.Before(committedAt.Add(f.minAge)) {
		return common.Hash{}, errors.New("execution reverted: commitment is not valid")
	}
	f.owners[label] = owner
	f.tokenOwners[label] = owner
	return common.HexToHash("0xfe"), nil
}

func (f *fakeRegistry) Resolver(_ context.Context, node common.Hash) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolvers[node], nil
}

func (f *fakeRegistry) PublicResolver() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000e5")
}

func (f *fakeRegistry) SetResolver(_ context.Context, node common.Hash, resolver common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, "setResolver")
	f.resolvers[node] = resolver
	return common.Hash{}, nil
}

func (f *fakeRegistry) Addr(_ context.Context, node common.Hash) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addrs[node], nil
}

func (f *fakeRegistry) SetAddr(_ context.Context, node common.Hash, target common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, "setAddr")
	f.addrs[node] = target
	return common.Hash{}, nil
}

func (f *fakeRegistry) TokenOwner(_ context.Context, label string) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenOwners[label], nil
}

func (f *fakeRegistry) TransferToken(_ context.Context, label string, to common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, "transferFrom")
	f.tokenOwners[label] = to
	return common.Hash{}, nil
}

func (f *fakeRegistry) SetOwner(_ context.Context, node common.Hash, owner common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, "setOwner")
	for label := range f.owners {
		if Node(label) == node {
			f.owners[label] = owner
		}
	}
	return common.Hash{}, nil
}
