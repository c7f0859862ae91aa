package saga

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/compose-network/company-registrar/internal/registrar/cost"
	"github.com/compose-network/company-registrar/internal/registrar/ens"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/compose-network/company-registrar/internal/registrar/prepayment"
	"github.com/compose-network/company-registrar/internal/registrar/recorder"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// memStore keeps jobs JSON-encoded so every read returns an independent copy.
// Prepayment claims outlive deleted jobs, as in the sqlite store.
type memStore struct {
	mu     sync.Mutex
	jobs   map[string][]byte
	claims map[common.Hash]string
	leases map[string]memLease
}

type memLease struct {
	owner string
	until time.Time
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string][]byte{}, claims: map[common.Hash]string{}, leases: map[string]memLease{}}
}

func (s *memStore) Save(_ context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.claims[job.Request.PrepaymentTx]; ok && owner != job.ID {
		return ErrPrepaymentClaimed
	}
	s.claims[job.Request.PrepaymentTx] = job.ID
	s.jobs[job.ID] = data
	return nil
}

func (s *memStore) Claim(_ context.Context, id, owner string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	if held, ok := s.leases[id]; ok && held.owner != owner && held.until.After(now) {
		return false, nil
	}
	s.leases[id] = memLease{owner: owner, until: now.Add(lease)}
	return true, nil
}

func (s *memStore) Release(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.leases[id]; ok && held.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

func (s *memStore) leaseOf(id string) (memLease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.leases[id]
	return held, ok
}

func (s *memStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	var job Job
	err := json.Unmarshal(data, &job)
	return job, err
}

func (s *memStore) list(keep func(Job) bool) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []Job
	for _, data := range s.jobs {
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, err
		}
		if keep(job) {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *memStore) ListAll(context.Context) ([]Job, error) {
	return s.list(func(Job) bool { return true })
}

func (s *memStore) ListActive(context.Context) ([]Job, error) {
	return s.list(func(job Job) bool { return !job.Status.Terminal() })
}

func (s *memStore) ListByRequester(_ context.Context, requester common.Address) ([]Job, error) {
	return s.list(func(job Job) bool { return job.Request.Requester == requester })
}

func (s *memStore) ListFinishedBefore(_ context.Context, cutoff time.Time) ([]Job, error) {
	return s.list(func(job Job) bool { return job.Status.Terminal() && job.UpdatedAt.Before(cutoff) })
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.leases, id)
	return nil
}

type fakeQuoter struct{}

func (fakeQuoter) Estimate(_ context.Context, label string, duration time.Duration) (cost.Quote, error) {
	base := big.NewInt(1_000_000)
	gas := big.NewInt(50_000)
	costWei := cost.ApplyBuffer(base)
	return cost.Quote{
		Label:            label,
		Duration:         duration,
		BaseWei:          base,
		CostWei:          costWei,
		DeploymentGasWei: gas,
		TotalWei:         new(big.Int).Add(costWei, gas),
	}, nil
}

type fakeVerifier struct {
	mu      sync.Mutex
	calls   int
	err     error
	entered chan struct{}
	block   bool
}

func (f *fakeVerifier) Verify(ctx context.Context, txHash common.Hash, requester common.Address, minimum *big.Int) (prepayment.Payment, error) {
	f.mu.Lock()
	f.calls++
	err, block, entered := f.err, f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block {
		<-ctx.Done()
		return prepayment.Payment{}, ctx.Err()
	}
	if err != nil {
		return prepayment.Payment{}, err
	}
	return prepayment.Payment{TxHash: txHash, From: requester, Value: minimum}, nil
}

func (f *fakeVerifier) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeChain stands in for the registrar controller, the ENS registry, the
// resolver, the Safe factory and the company registry at once.
type fakeChain struct {
	mu    sync.Mutex
	clock *chain.SimulatedClock

	owners      map[string]common.Address
	tokenOwners map[string]common.Address
	resolvers   map[common.Hash]common.Address
	addrs       map[common.Hash]common.Address
	commitments map[common.Hash]time.Time
	code        map[common.Address]bool
	records     map[string]common.Hash

	commitCalls   int
	registerCalls int
	deployCalls   int
	recordCalls   int

	// expireFirstCommit pushes chain time past the reveal window right
	// after the first commitment lands.
	expireFirstCommit bool
	deployFailures    int
}

func newFakeChain(clock *chain.SimulatedClock) *fakeChain {
	return &fakeChain{
		clock:       clock,
		owners:      map[string]common.Address{},
		tokenOwners: map[string]common.Address{},
		resolvers:   map[common.Hash]common.Address{},
		addrs:       map[common.Hash]common.Address{},
		commitments: map[common.Hash]time.Time{},
		code:        map[common.Address]bool{},
		records:     map[string]common.Hash{},
	}
}

func (f *fakeChain) now() time.Time {
	now, _ := f.clock.Now(context.Background())
	return now
}

func (f *fakeChain) Owner(_ context.Context, label string) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[label], nil
}

func (f *fakeChain) CommitmentTime(_ context.Context, commitment common.Hash) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitments[commitment], nil
}

func (f *fakeChain) Commit(_ context.Context, commitment common.Hash) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls++
	f.commitments[commitment] = f.now()
	if f.expireFirstCommit && f.commitCalls == 1 {
		f.clock.Advance(25 * time.Hour)
	}
	return crypto.Keccak256Hash(commitment.Bytes()), nil
}

func (f *fakeChain) Register(_ context.Context, label string, owner common.Address, _ time.Duration, secret [32]byte, value *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	committedAt, ok := f.commitments[ens.MakeCommitment(label, owner, secret)]
	if !ok || f.now().Before(committedAt.Add(time.Minute)) || value.Sign() <= 0 {
		return common.Hash{}, errors.New("execution reverted")
	}
	f.owners[label] = owner
	f.tokenOwners[label] = owner
	return common.HexToHash("0x01"), nil
}

func (f *fakeChain) Resolver(_ context.Context, node common.Hash) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolvers[node], nil
}

func (f *fakeChain) PublicResolver() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000e5")
}

func (f *fakeChain) SetResolver(_ context.Context, node common.Hash, resolver common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolvers[node] = resolver
	return common.Hash{}, nil
}

func (f *fakeChain) Addr(_ context.Context, node common.Hash) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addrs[node], nil
}

func (f *fakeChain) SetAddr(_ context.Context, node common.Hash, target common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[node] = target
	return common.Hash{}, nil
}

func (f *fakeChain) TokenOwner(_ context.Context, label string) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenOwners[label], nil
}

func (f *fakeChain) TransferToken(_ context.Context, label string, to common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenOwners[label] = to
	return common.Hash{}, nil
}

func (f *fakeChain) SetOwner(_ context.Context, node common.Hash, owner common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for label := range f.owners {
		if ens.Node(label) == node {
			f.owners[label] = owner
		}
	}
	return common.Hash{}, nil
}

func (f *fakeChain) ComputeAddress(_ context.Context, owners []common.Address, threshold int, salt *big.Int) (common.Address, error) {
	var seed []byte
	for _, owner := range owners {
		seed = append(seed, owner.Bytes()...)
	}
	seed = append(seed, byte(threshold))
	seed = append(seed, salt.Bytes()...)
	return common.BytesToAddress(crypto.Keccak256(seed)), nil
}

func (f *fakeChain) HasCode(_ context.Context, address common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[address], nil
}

func (f *fakeChain) Deploy(ctx context.Context, owners []common.Address, threshold int, salt *big.Int) (common.Hash, error) {
	address, _ := f.ComputeAddress(ctx, owners, threshold, salt)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployCalls++
	if f.deployFailures > 0 {
		f.deployFailures--
		return common.Hash{}, errors.New("connection reset by peer")
	}
	f.code[address] = true
	return common.HexToHash("0x02"), nil
}

func recordKey(companyID *big.Int, treasury common.Address) string {
	return companyID.String() + "/" + treasury.Hex()
}

func (f *fakeChain) FindRecord(_ context.Context, companyID *big.Int, treasury common.Address) (common.Hash, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txHash, ok := f.records[recordKey(companyID, treasury)]
	return txHash, ok, nil
}

func (f *fakeChain) Record(_ context.Context, record recorder.Record) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordCalls++
	txHash := crypto.Keccak256Hash([]byte(record.ENSName))
	f.records[recordKey(record.CompanyID, record.Treasury)] = txHash
	return txHash, nil
}

func (f *fakeChain) counts() (commits, registers, deploys, records int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitCalls, f.registerCalls, f.deployCalls, f.recordCalls
}
