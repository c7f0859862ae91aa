package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCompiledContracts(t *testing.T) {
	compiled, err := LoadCompiledContracts()
	require.NoError(t, err)
	assert.Len(t, compiled, len(Contracts))

	registry := compiled[ContractNameCompanyRegistry].ABI
	event, ok := registry.Events[CompanyRecordedEvent]
	require.True(t, ok)
	assert.Equal(t, "CompanyRecorded(uint256,address,string,address[],uint256)", event.Sig)
	assert.True(t, event.Inputs[0].Indexed)
	assert.True(t, event.Inputs[1].Indexed)

	controller := compiled[ContractNameRegistrarController].ABI
	assert.True(t, controller.Methods["register"].IsPayable())
	assert.Equal(t, "commit(bytes32)", controller.Methods["commit"].Sig)
}

func TestParseContractsRejectsMissingABI(t *testing.T) {
	_, err := parseContracts([]byte(`{"Safe":{"abi":[]}}`))
	assert.ErrorContains(t, err, "is missing from compiled contracts")
}
