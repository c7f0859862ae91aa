package recorder

import (
	"context"
	"fmt"
	"math/big"

	"github.com/compose-network/company-registrar/internal/registrar/contracts"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type (
	submitter interface {
		Submit(ctx context.Context, action string, send chain.SendFunc) (*types.Receipt, error)
	}

	// Client writes to and queries the company registry contract.
	Client struct {
		backend   bind.ContractBackend
		submitter submitter
		address   common.Address
		abi       abi.ABI
		contract  *bind.BoundContract
		fromBlock uint64
	}
)

func NewClient(backend bind.ContractBackend, submitter submitter, address common.Address, fromBlock uint64) (*Client, error) {
	parsed, err := contracts.ABI(contracts.ContractNameCompanyRegistry)
	if err != nil {
		return nil, err
	}

	return &Client{
		backend:   backend,
		submitter: submitter,
		address:   address,
		abi:       parsed,
		contract:  bind.NewBoundContract(address, parsed, backend, backend, backend),
		fromBlock: fromBlock,
	}, nil
}

// FindRecord returns the transaction of the CompanyRecorded event for this
// company and treasury, if one exists.
func (c *Client) FindRecord(ctx context.Context, companyID *big.Int, treasury common.Address) (common.Hash, bool, error) {
	topics, err := abi.MakeTopics(
		[]any{c.abi.Events[contracts.CompanyRecordedEvent].ID},
		[]any{companyID},
		[]any{treasury},
	)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("failed to build event topics: %w", err)
	}

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.fromBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{topics[0], topics[1], topics[2]},
	})
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("failed to filter company records: %w", err)
	}

	for _, log := range logs {
		if !log.Removed {
			return log.TxHash, true, nil
		}
	}
	return common.Hash{}, false, nil
}

func (c *Client) Record(ctx context.Context, record Record) (common.Hash, error) {
	receipt, err := c.submitter.Submit(ctx, "record_company", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return c.contract.Transact(opts, "recordCompany",
			record.CompanyID,
			record.Treasury,
			record.ENSName,
			record.Founders,
			big.NewInt(int64(record.Threshold)),
		)
	})
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}
