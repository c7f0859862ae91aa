package contracts

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed compiled/contracts.json
var compiledContractsFS embed.FS

var (
	loadOnce sync.Once
	loaded   map[ContractName]CompiledContract
	loadErr  error
)

// LoadCompiledContracts loads the embedded ABIs once.
func LoadCompiledContracts() (map[ContractName]CompiledContract, error) {
	loadOnce.Do(func() {
		data, err := compiledContractsFS.ReadFile("compiled/contracts.json")
		if err != nil {
			loadErr = fmt.Errorf("failed to read embedded contracts: %w", err)
			return
		}
		loaded, loadErr = parseContracts(data)
	})

	return loaded, loadErr
}

// parseContracts parses contract JSON data into CompiledContract map
func parseContracts(data []byte) (map[ContractName]CompiledContract, error) {
	var result map[string]struct {
		ABI json.RawMessage `json:"abi"`
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse compiled contracts: %w", err)
	}

	loadedContracts := make(map[ContractName]CompiledContract)

	for name, contract := range result {
		if _, ok := Contracts[ContractName(name)]; !ok {
			continue
		}

		parsedABI, err := abi.JSON(strings.NewReader(string(contract.ABI)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse ABI for %s: %w", name, err)
		}

		loadedContracts[ContractName(name)] = CompiledContract{
			ABI:    parsedABI,
			RawABI: string(contract.ABI),
		}
	}

	for name := range Contracts {
		if _, ok := loadedContracts[name]; !ok {
			return nil, fmt.Errorf("ABI for %s is missing from compiled contracts", name)
		}
	}

	return loadedContracts, nil
}

// ABI returns the parsed ABI of one contract.
func ABI(name ContractName) (abi.ABI, error) {
	compiled, err := LoadCompiledContracts()
	if err != nil {
		return abi.ABI{}, err
	}
	return compiled[name].ABI, nil
}

// MustABI is ABI for package-level initialisation; the embedded file is
// checked by tests, so a failure here is a build defect.
func MustABI(name ContractName) abi.ABI {
	parsed, err := ABI(name)
	if err != nil {
		panic(err)
	}
	return parsed
}

// Bind wraps a deployed contract for calls, transactions and log filtering.
func Bind(name ContractName, address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer) (*bind.BoundContract, error) {
	parsed, err := ABI(name)
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(address, parsed, caller, transactor, filterer), nil
}
