// Package cost prices a registration: the controller rent plus a safety
// buffer, and the gas of deploying the treasury.
package cost

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/registrar/ens"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/ethereum/go-ethereum/params"
)

// bufferPercent covers price drift between quote and register.
const bufferPercent = 102

type (
	priceReader interface {
		RentPrice(ctx context.Context, label string, duration time.Duration) (*big.Int, error)
	}

	gasEstimator interface {
		EstimateDeployGas(ctx context.Context) (*big.Int, error)
	}

	Quote struct {
		Label    string
		Duration time.Duration
		// BaseWei is the registry rentPrice for the duration.
		BaseWei *big.Int
		// CostWei is BaseWei with the 2% buffer applied; it is sent as the
		// register value.
		CostWei          *big.Int
		DeploymentGasWei *big.Int
		// TotalWei is what the requester prepays.
		TotalWei *big.Int
	}

	Estimator struct {
		prices priceReader
		gas    gasEstimator
		logger *slog.Logger
	}
)

// NewEstimator returns an estimator reading rent from prices and deployment
// gas from gas.
func NewEstimator(prices priceReader, gas gasEstimator) *Estimator {
	return &Estimator{
		prices: prices,
		gas:    gas,
		logger: logger.Named("cost_estimator"),
	}
}

// Estimate quotes registering label for duration. The total is what the
// requester must prepay.
func (e *Estimator) Estimate(ctx context.Context, label string, duration time.Duration) (Quote, error) {
	if err := ens.ValidateLabel(label); err != nil {
		return Quote{}, err
	}

	base, err := e.prices.RentPrice(ctx, label, duration)
	if err != nil {
		return Quote{}, failure.Wrap(failure.CodePriceUnavailable, failure.KindRecoverable, err, "failed to read rent price")
	}

	gas := new(big.Int)
	if e.gas != nil {
		estimate, err := e.gas.EstimateDeployGas(ctx)
		if err != nil {
			e.logger.With("label", label).With("err", err.Error()).Warn("deployment gas estimate unavailable, quoting zero")
		} else {
			gas = estimate
		}
	}

	costWei := ApplyBuffer(base)
	return Quote{
		Label:            label,
		Duration:         duration,
		BaseWei:          new(big.Int).Set(base),
		CostWei:          costWei,
		DeploymentGasWei: gas,
		TotalWei:         new(big.Int).Add(costWei, gas),
	}, nil
}

func (q Quote) CostETH() string  { return FormatEther(q.CostWei) }
func (q Quote) TotalETH() string { return FormatEther(q.TotalWei) }

// ApplyBuffer returns floor(base * 102 / 100).
func ApplyBuffer(base *big.Int) *big.Int {
	buffered := new(big.Int).Mul(base, big.NewInt(bufferPercent))
	return buffered.Quo(buffered, big.NewInt(100))
}

// FormatEther renders wei as a decimal ether amount without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}

	sign := ""
	abs := new(big.Int).Set(wei)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}

	whole, frac := new(big.Int).QuoRem(abs, big.NewInt(params.Ether), new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}

	fraction := strings.TrimRight(leftPad(frac.String(), 18), "0")
	return sign + whole.String() + "." + fraction
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
