package registrar

import (
	"fmt"
	"io"
	"time"

	"github.com/compose-network/company-registrar/internal/registrar/cost"
	"github.com/compose-network/company-registrar/internal/registrar/ens"
	"github.com/compose-network/company-registrar/internal/registrar/saga"
	"github.com/compose-network/company-registrar/internal/registrar/threshold"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

func renderJobs(w io.Writer, jobs []saga.Job) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Step", "Status", "Signers", "Treasury", "Updated"})
	for _, job := range jobs {
		treasury := ""
		if job.Treasury != (common.Address{}) {
			treasury = job.Treasury.Hex()
		}
		signers := threshold.Describe(len(job.Request.Founders), job.Threshold)
		tw.AppendRow(table.Row{job.ID, job.ENSName(), job.Step, job.Status, signers, treasury, job.UpdatedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

func renderQuote(w io.Writer, quote cost.Quote, availability ens.Availability) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendRow(table.Row{"Name", ens.FullName(quote.Label)})
	if availability.Available {
		tw.AppendRow(table.Row{"Available", "yes"})
	} else {
		owner := ""
		if availability.Owner != nil {
			owner = availability.Owner.Hex()
		}
		tw.AppendRow(table.Row{"Available", fmt.Sprintf("no, owned by %s", owner)})
	}
	tw.AppendRow(table.Row{"Duration", quote.Duration.String()})
	tw.AppendRow(table.Row{"Registration (ETH)", quote.CostETH()})
	tw.AppendRow(table.Row{"Deployment gas (ETH)", cost.FormatEther(quote.DeploymentGasWei)})
	tw.AppendRow(table.Row{"Prepayment (ETH)", quote.TotalETH()})
	tw.Render()
	return nil
}

func writeYAML(w io.Writer, v any) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return encoder.Close()
}
