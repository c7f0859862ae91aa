// Package projector builds a requester's view of companies from registry
// events and unfinished jobs.
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/registrar/contracts"
	"github.com/compose-network/company-registrar/internal/registrar/saga"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type (
	logSource interface {
		FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
		HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	}

	pendingSource interface {
		PendingViews(ctx context.Context, requester common.Address) ([]saga.PendingView, error)
	}

	// Company is one CompanyRecorded event joined with its block time.
	Company struct {
		CompanyID   string           `json:"company_id" yaml:"company_id"`
		Treasury    common.Address   `json:"treasury" yaml:"treasury"`
		ENSName     string           `json:"ens_name" yaml:"ens_name"`
		Founders    []common.Address `json:"founders" yaml:"founders"`
		Threshold   string           `json:"threshold" yaml:"threshold"`
		CreatedAt   time.Time        `json:"created_at" yaml:"created_at"`
		TxHash      common.Hash      `json:"tx_hash" yaml:"tx_hash"`
		BlockNumber uint64           `json:"block_number" yaml:"block_number"`
		LogIndex    uint             `json:"log_index" yaml:"log_index"`
	}

	// View is what a requester sees: confirmed companies plus the jobs that
	// have not produced one.
	View struct {
		Companies []Company          `json:"companies" yaml:"companies"`
		Pending   []saga.PendingView `json:"pending" yaml:"pending"`
	}

	recordedEvent struct {
		EnsName   string
		Founders  []common.Address
		Threshold *big.Int
	}

	Projector struct {
		logs      logSource
		pending   pendingSource
		registry  common.Address
		abi       abi.ABI
		eventID   common.Hash
		fromBlock uint64
		logger    *slog.Logger

		mu         sync.Mutex
		blockTimes map[uint64]time.Time
	}
)

func NewProjector(logs logSource, pending pendingSource, registry common.Address, fromBlock uint64) (*Projector, error) {
	parsed, err := contracts.ABI(contracts.ContractNameCompanyRegistry)
	if err != nil {
		return nil, err
	}
	event, ok := parsed.Events[contracts.CompanyRecordedEvent]
	if !ok {
		return nil, fmt.Errorf("company registry ABI has no %s event", contracts.CompanyRecordedEvent)
	}

	return &Projector{
		logs:       logs,
		pending:    pending,
		registry:   registry,
		abi:        parsed,
		eventID:    event.ID,
		fromBlock:  fromBlock,
		logger:     logger.Named("projector"),
		blockTimes: make(map[uint64]time.Time),
	}, nil
}

// GetCompanyEvents returns every CompanyRecorded event for treasury in chain
// order.
func (p *Projector) GetCompanyEvents(ctx context.Context, treasury common.Address) ([]Company, error) {
	return p.scan(ctx, [][]common.Hash{{p.eventID}, nil, {common.BytesToHash(treasury.Bytes())}})
}

// Canonical is the latest entry of a timeline in chain order.
func Canonical(entries []Company) (Company, bool) {
	if len(entries) == 0 {
		return Company{}, false
	}
	return entries[len(entries)-1], true
}

// GetCompaniesByFounder returns the canonical company of every treasury
// whose latest record lists founder.
func (p *Projector) GetCompaniesByFounder(ctx context.Context, founder common.Address) ([]Company, error) {
	entries, err := p.scan(ctx, [][]common.Hash{{p.eventID}})
	if err != nil {
		return nil, err
	}

	latest := make(map[common.Address]Company)
	for _, entry := range entries {
		latest[entry.Treasury] = entry
	}

	var companies []Company
	for _, company := range latest {
		if slices.Contains(company.Founders, founder) {
			companies = append(companies, company)
		}
	}
	sortByChainOrder(companies)

	return companies, nil
}

// Current merges the requester's confirmed companies with their jobs. A
// confirmed company always replaces a job for the same name.
func (p *Projector) Current(ctx context.Context, requester common.Address) (View, error) {
	views, err := p.pending.PendingViews(ctx, requester)
	if err != nil {
		return View{}, fmt.Errorf("failed to load pending registrations: %w", err)
	}

	companies, err := p.GetCompaniesByFounder(ctx, requester)
	if err != nil {
		return View{}, err
	}

	known := make(map[common.Address]struct{}, len(companies))
	for _, company := range companies {
		known[company.Treasury] = struct{}{}
	}
	for _, view := range views {
		if view.Treasury == (common.Address{}) {
			continue
		}
		if _, ok := known[view.Treasury]; ok {
			continue
		}
		entries, err := p.GetCompanyEvents(ctx, view.Treasury)
		if err != nil {
			return View{}, err
		}
		if company, ok := Canonical(entries); ok {
			companies = append(companies, company)
			known[company.Treasury] = struct{}{}
		}
	}
	sortByChainOrder(companies)

	names := make(map[string]struct{}, len(companies))
	for _, company := range companies {
		names[company.ENSName] = struct{}{}
	}

	pending := make([]saga.PendingView, 0, len(views))
	for _, view := range views {
		if _, ok := names[view.ENSName]; ok {
			continue
		}
		pending = append(pending, view)
	}

	return View{Companies: companies, Pending: pending}, nil
}

func (p *Projector) scan(ctx context.Context, topics [][]common.Hash) ([]Company, error) {
	logs, err := p.logs.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(p.fromBlock),
		Addresses: []common.Address{p.registry},
		Topics:    topics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter company events: %w", err)
	}

	companies := make([]Company, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		company, err := p.decode(log)
		if err != nil {
			p.logger.With("tx_hash", log.TxHash.Hex()).With("err", err.Error()).Warn("skipping undecodable company event")
			continue
		}
		company.CreatedAt, err = p.blockTime(ctx, log.BlockNumber)
		if err != nil {
			return nil, err
		}
		companies = append(companies, company)
	}
	sortByChainOrder(companies)

	return companies, nil
}

func (p *Projector) decode(log types.Log) (Company, error) {
	if len(log.Topics) != 3 || log.Topics[0] != p.eventID {
		return Company{}, fmt.Errorf("unexpected topics on log %d", log.Index)
	}

	var event recordedEvent
	if err := p.abi.UnpackIntoInterface(&event, contracts.CompanyRecordedEvent, log.Data); err != nil {
		return Company{}, fmt.Errorf("failed to unpack company event: %w", err)
	}

	return Company{
		CompanyID:   new(big.Int).SetBytes(log.Topics[1].Bytes()).String(),
		Treasury:    common.BytesToAddress(log.Topics[2].Bytes()),
		ENSName:     event.EnsName,
		Founders:    event.Founders,
		Threshold:   event.Threshold.String(),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
	}, nil
}

func (p *Projector) blockTime(ctx context.Context, number uint64) (time.Time, error) {
	p.mu.Lock()
	ts, ok := p.blockTimes[number]
	p.mu.Unlock()
	if ok {
		return ts, nil
	}

	header, err := p.logs.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get header %d: %w", number, err)
	}
	ts = time.Unix(int64(header.Time), 0).UTC()

	p.mu.Lock()
	p.blockTimes[number] = ts
	p.mu.Unlock()

	return ts, nil
}

func sortByChainOrder(companies []Company) {
	sort.SliceStable(companies, func(i, j int) bool {
		if companies[i].BlockNumber != companies[j].BlockNumber {
			return companies[i].BlockNumber < companies[j].BlockNumber
		}
		return companies[i].LogIndex < companies[j].LogIndex
	})
}
