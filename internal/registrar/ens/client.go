package ens

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/compose-network/company-registrar/internal/registrar/contracts"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type (
	submitter interface {
		Submit(ctx context.Context, action string, send chain.SendFunc) (*types.Receipt, error)
		From() common.Address
	}

	Addresses struct {
		Controller     common.Address
		Registry       common.Address
		BaseRegistrar  common.Address
		PublicResolver common.Address
	}

	// Client talks to the .eth registrar controller, the ENS registry, the
	// base registrar and the public resolver. Writes go through the submitter.
	Client struct {
		controller     *bind.BoundContract
		registry       *bind.BoundContract
		baseRegistrar  *bind.BoundContract
		resolver       *bind.BoundContract
		publicResolver common.Address
		submitter      submitter
	}
)

func NewClient(backend bind.ContractBackend, submitter submitter, addresses Addresses) (*Client, error) {
	controller, err := contracts.Bind(contracts.ContractNameRegistrarController, addresses.Controller, backend, backend, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to bind registrar controller: %w", err)
	}
	registry, err := contracts.Bind(contracts.ContractNameENSRegistry, addresses.Registry, backend, backend, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to bind ENS registry: %w", err)
	}
	baseRegistrar, err := contracts.Bind(contracts.ContractNameBaseRegistrar, addresses.BaseRegistrar, backend, backend, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to bind base registrar: %w", err)
	}
	resolver, err := contracts.Bind(contracts.ContractNamePublicResolver, addresses.PublicResolver, backend, backend, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to bind public resolver: %w", err)
	}

	return &Client{
		controller:     controller,
		registry:       registry,
		baseRegistrar:  baseRegistrar,
		resolver:       resolver,
		publicResolver: addresses.PublicResolver,
		submitter:      submitter,
	}, nil
}

// MakeCommitment mirrors the controller's makeCommitment(name, owner, secret):
// keccak256(labelhash ‖ owner ‖ secret).
func MakeCommitment(label string, owner common.Address, secret [32]byte) common.Hash {
	return crypto.Keccak256Hash(LabelHash(label).Bytes(), owner.Bytes(), secret[:])
}

func (c *Client) Owner(ctx context.Context, label string) (common.Address, error) {
	return callAddress(ctx, c.registry, "owner", Node(label))
}

func (c *Client) RentPrice(ctx context.Context, label string, duration time.Duration) (*big.Int, error) {
	return callBig(ctx, c.controller, "rentPrice", label, seconds(duration))
}

// CommitmentTime returns when the registry recorded the commitment, or the
// zero time when it has never seen it.
func (c *Client) CommitmentTime(ctx context.Context, commitment common.Hash) (time.Time, error) {
	ts, err := callBig(ctx, c.controller, "commitments", commitment)
	if err != nil {
		return time.Time{}, err
	}
	if ts.Sign() == 0 {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64(), 0).UTC(), nil
}

// CommitmentWindow reads the controller's own reveal window bounds.
func (c *Client) CommitmentWindow(ctx context.Context) (time.Duration, time.Duration, error) {
	minAge, err := callBig(ctx, c.controller, "minCommitmentAge")
	if err != nil {
		return 0, 0, err
	}
	maxAge, err := callBig(ctx, c.controller, "maxCommitmentAge")
	if err != nil {
		return 0, 0, err
	}
	return time.Duration(minAge.Int64()) * time.Second, time.Duration(maxAge.Int64()) * time.Second, nil
}

func (c *Client) Commit(ctx context.Context, commitment common.Hash) (common.Hash, error) {
	return c.transact(ctx, "commit", nil, c.controller, "commit", commitment)
}

func (c *Client) Register(ctx context.Context, label string, owner common.Address, duration time.Duration, secret [32]byte, value *big.Int) (common.Hash, error) {
	return c.transact(ctx, "register", value, c.controller, "register", label, owner, seconds(duration), secret)
}

func (c *Client) Resolver(ctx context.Context, node common.Hash) (common.Address, error) {
	return callAddress(ctx, c.registry, "resolver", node)
}

func (c *Client) PublicResolver() common.Address { return c.publicResolver }

func (c *Client) SetResolver(ctx context.Context, node common.Hash, resolver common.Address) (common.Hash, error) {
	return c.transact(ctx, "set_resolver", nil, c.registry, "setResolver", node, resolver)
}

func (c *Client) Addr(ctx context.Context, node common.Hash) (common.Address, error) {
	return callAddress(ctx, c.resolver, "addr", node)
}

func (c *Client) SetAddr(ctx context.Context, node common.Hash, target common.Address) (common.Hash, error) {
	return c.transact(ctx, "set_addr", nil, c.resolver, "setAddr", node, target)
}

func (c *Client) TokenOwner(ctx context.Context, label string) (common.Address, error) {
	return callAddress(ctx, c.baseRegistrar, "ownerOf", TokenID(label))
}

func (c *Client) TransferToken(ctx context.Context, label string, to common.Address) (common.Hash, error) {
	return c.transact(ctx, "transfer_name", nil, c.baseRegistrar, "transferFrom", c.submitter.From(), to, TokenID(label))
}

func (c *Client) SetOwner(ctx context.Context, node common.Hash, owner common.Address) (common.Hash, error) {
	return c.transact(ctx, "set_owner", nil, c.registry, "setOwner", node, owner)
}

func (c *Client) transact(ctx context.Context, action string, value *big.Int, contract *bind.BoundContract, method string, params ...any) (common.Hash, error) {
	receipt, err := c.submitter.Submit(ctx, action, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		if value != nil {
			opts.Value = value
		}
		return contract.Transact(opts, method, params...)
	})
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

func callAddress(ctx context.Context, contract *bind.BoundContract, method string, params ...any) (common.Address, error) {
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return common.Address{}, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func callBig(ctx context.Context, contract *bind.BoundContract, method string, params ...any) (*big.Int, error) {
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func seconds(d time.Duration) *big.Int {
	return big.NewInt(int64(d / time.Second))
}
