package treasury

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/compose-network/company-registrar/internal/registrar/contracts"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/ethereum/go-ethereum"
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
		Factory         common.Address
		Singleton       common.Address
		FallbackHandler common.Address
	}

	// Factory is a client of the Safe proxy factory. Proxies are created
	// with CREATE2, so their address is known before deployment.
	Factory struct {
		backend    bind.ContractBackend
		submitter  submitter
		addresses  Addresses
		factory    *bind.BoundContract
		factoryABI abi.ABI
		safeABI    abi.ABI

		mu           sync.Mutex
		creationCode []byte
	}
)

func NewFactory(backend bind.ContractBackend, submitter submitter, addresses Addresses) (*Factory, error) {
	factoryABI, err := contracts.ABI(contracts.ContractNameSafeProxyFactory)
	if err != nil {
		return nil, err
	}
	safeABI, err := contracts.ABI(contracts.ContractNameSafe)
	if err != nil {
		return nil, err
	}

	return &Factory{
		backend:    backend,
		submitter:  submitter,
		addresses:  addresses,
		factory:    bind.NewBoundContract(addresses.Factory, factoryABI, backend, backend, backend),
		factoryABI: factoryABI,
		safeABI:    safeABI,
	}, nil
}

// SetupInitializer encodes the Safe setup call run by the new proxy.
func (f *Factory) SetupInitializer(owners []common.Address, threshold int) ([]byte, error) {
	data, err := f.safeABI.Pack(
		"setup",
		owners,
		big.NewInt(int64(threshold)),
		common.Address{},
		[]byte{},
		f.addresses.FallbackHandler,
		common.Address{},
		big.NewInt(0),
		common.Address{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode safe setup: %w", err)
	}
	return data, nil
}

// ProxyCreationCode reads the factory's proxy bytecode once and caches it.
func (f *Factory) ProxyCreationCode(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.creationCode != nil {
		return f.creationCode, nil
	}

	var out []any
	if err := f.factory.Call(&bind.CallOpts{Context: ctx}, &out, "proxyCreationCode"); err != nil {
		return nil, fmt.Errorf("failed to call proxyCreationCode: %w", err)
	}
	f.creationCode = *abi.ConvertType(out[0], new([]byte)).(*[]byte)

	return f.creationCode, nil
}

func (f *Factory) ComputeAddress(ctx context.Context, owners []common.Address, threshold int, salt *big.Int) (common.Address, error) {
	initializer, err := f.SetupInitializer(owners, threshold)
	if err != nil {
		return common.Address{}, err
	}
	creationCode, err := f.ProxyCreationCode(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return ProxyAddress(f.addresses.Factory, f.addresses.Singleton, creationCode, initializer, salt), nil
}

func (f *Factory) HasCode(ctx context.Context, address common.Address) (bool, error) {
	code, err := f.backend.CodeAt(ctx, address, nil)
	if err != nil {
		return false, fmt.Errorf("failed to read code at %s: %w", address.Hex(), err)
	}
	return len(code) > 0, nil
}

func (f *Factory) Deploy(ctx context.Context, owners []common.Address, threshold int, salt *big.Int) (common.Hash, error) {
	initializer, err := f.SetupInitializer(owners, threshold)
	if err != nil {
		return common.Hash{}, err
	}

	receipt, err := f.submitter.Submit(ctx, "deploy_treasury", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return f.factory.Transact(opts, "createProxyWithNonce", f.addresses.Singleton, initializer, salt)
	})
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

// EstimateDeployGas prices a one-owner proxy deployment from the signer
// account at the current gas price.
func (f *Factory) EstimateDeployGas(ctx context.Context) (*big.Int, error) {
	initializer, err := f.SetupInitializer([]common.Address{f.submitter.From()}, 1)
	if err != nil {
		return nil, err
	}
	data, err := f.factoryABI.Pack("createProxyWithNonce", f.addresses.Singleton, initializer, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("failed to encode createProxyWithNonce: %w", err)
	}

	gas, err := f.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: f.submitter.From(),
		To:   &f.addresses.Factory,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate deployment gas: %w", err)
	}
	price, err := f.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	return new(big.Int).Mul(new(big.Int).SetUint64(gas), price), nil
}

// ProxyAddress is the CREATE2 address createProxyWithNonce deploys to.
func ProxyAddress(factory, singleton common.Address, creationCode, initializer []byte, salt *big.Int) common.Address {
	saltHash := crypto.Keccak256Hash(crypto.Keccak256(initializer), common.LeftPadBytes(salt.Bytes(), 32))

	initCode := make([]byte, 0, len(creationCode)+32)
	initCode = append(initCode, creationCode...)
	initCode = append(initCode, common.LeftPadBytes(singleton.Bytes(), 32)...)

	return crypto.CreateAddress2(factory, saltHash, crypto.Keccak256(initCode))
}

// SaltNonce derives a deterministic saltNonce from a stable seed.
func SaltNonce(seed string) *big.Int {
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(seed)))
}
