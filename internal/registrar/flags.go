package registrar

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagDef defines a command-line flag with its configuration.
type (
	flagType interface {
		string | int | bool
	}

	flagDef[T flagType] struct {
		name         string
		viperKey     string
		defaultValue T
		description  string
	}
)

// Defaults come from the embedded example config; an empty flag default never
// overrides it.
var (
	stringFlags = []flagDef[string]{
		// Chain
		{"rpc-url", "registrar.chain.rpc-url", "", "Ethereum JSON-RPC URL"},
		{"private-key", "registrar.signer.private-key", "", "Private key of the submitting account"},
		{"lock-dir", "registrar.signer.lock-dir", "", "Directory of the signer account lock file"},

		// Contracts
		{"registrar-controller", "registrar.contracts.registrar-controller", "", ".eth registrar controller address"},
		{"ens-registry", "registrar.contracts.ens-registry", "", "ENS registry address"},
		{"base-registrar", "registrar.contracts.base-registrar", "", ".eth base registrar address"},
		{"public-resolver", "registrar.contracts.public-resolver", "", "ENS public resolver address"},
		{"safe-proxy-factory", "registrar.contracts.safe-proxy-factory", "", "Safe proxy factory address"},
		{"safe-singleton", "registrar.contracts.safe-singleton", "", "Safe singleton address"},
		{"safe-fallback-handler", "registrar.contracts.safe-fallback-handler", "", "Safe fallback handler address"},
		{"company-registry", "registrar.contracts.company-registry", "", "Company registry address"},
		{"payment-receiver", "registrar.contracts.payment-receiver", "", "Address receiving prepayments"},

		// Registration
		{"duration", "registrar.registration.duration", "", "Default registration duration (e.g. 8760h)"},
		{"reveal-wait-ceiling", "registrar.registration.reveal-wait-ceiling", "", "Longest wait for the reveal window"},
		{"retention", "registrar.registration.retention", "", "How long finished jobs are kept"},

		// Store
		{"store-path", "registrar.store.path", "", "Path of the sqlite job store"},
		{"lease-duration", "registrar.store.lease-duration", "", "How long a process owns a job between renewals"},

		// Observability
		{"metrics-listen-address", "observability.metrics-listen-address", "", "Address of the metrics endpoint"},
		{"log-level", "log.level", "", "Log level (debug, info, warn, error)"},
	}

	intFlags = []flagDef[int]{
		{"chain-id", "registrar.chain.chain-id", 0, "Expected chain id"},
		{"confirmations", "registrar.chain.confirmations", 0, "Confirmations required on the prepayment"},
		{"max-attempts", "registrar.registration.max-attempts", 0, "Attempts per step before a job fails"},
		{"max-restarts", "registrar.registration.max-restarts", 0, "Commit restarts after an expired reveal window"},
		{"from-block", "registrar.projector.from-block", 0, "First block scanned for company records"},
	}

	boolFlags = []flagDef[bool]{}
)

// DeclareFlags adds every configuration flag to flags and binds it to viper.
func DeclareFlags(flags *pflag.FlagSet) error {
	if err := declareFlags(flags, stringFlags); err != nil {
		return err
	}
	if err := declareFlags(flags, intFlags); err != nil {
		return err
	}
	return declareFlags(flags, boolFlags)
}

// declareFlags declares multiple flags and binds them to viper configuration keys.
func declareFlags[T flagType](flags *pflag.FlagSet, defs []flagDef[T]) error {
	for _, def := range defs {
		if err := declareFlag(flags, def.name, def.viperKey, def.defaultValue, def.description); err != nil {
			return err
		}
	}
	return nil
}

// declareFlag declares a single flag and binds it to a viper configuration key.
// The type parameter T determines the flag type (string, int, or bool).
func declareFlag[T flagType](flags *pflag.FlagSet, flagName, viperKey string, defaultValue T, description string) error {
	var zero T
	switch any(zero).(type) {
	case string:
		flags.String(flagName, any(defaultValue).(string), description)
	case int:
		flags.Int(flagName, any(defaultValue).(int), description)
	case bool:
		flags.Bool(flagName, any(defaultValue).(bool), description)
	}
	return viper.BindPFlag(viperKey, flags.Lookup(flagName))
}
