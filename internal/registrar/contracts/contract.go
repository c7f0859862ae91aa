package contracts

import "github.com/ethereum/go-ethereum/accounts/abi"

type (
	ContractName string

	CompiledContract struct {
		ABI    abi.ABI
		RawABI string
	}
)

const (
	ContractNameRegistrarController ContractName = "ETHRegistrarController"
	ContractNameENSRegistry         ContractName = "ENSRegistry"
	ContractNameBaseRegistrar       ContractName = "BaseRegistrar"
	ContractNamePublicResolver      ContractName = "PublicResolver"
	ContractNameSafeProxyFactory    ContractName = "SafeProxyFactory"
	ContractNameSafe                ContractName = "Safe"
	ContractNameCompanyRegistry     ContractName = "CompanyRegistry"
)

// Contracts lists every ABI the registrar talks to.
var Contracts = map[ContractName]struct{}{
	ContractNameRegistrarController: {},
	ContractNameENSRegistry:         {},
	ContractNameBaseRegistrar:       {},
	ContractNamePublicResolver:      {},
	ContractNameSafeProxyFactory:    {},
	ContractNameSafe:                {},
	ContractNameCompanyRegistry:     {},
}

// CompanyRecordedEvent is the linking event the projector consumes.
const CompanyRecordedEvent = "CompanyRecorded"
