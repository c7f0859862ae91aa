package saga

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/compose-network/company-registrar/internal/registrar/ens"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/compose-network/company-registrar/internal/registrar/recorder"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// validatePrepayment checks the payment against a fresh quote: the requester
// must cover the current base price plus deployment gas.
func (o *Orchestrator) validatePrepayment(ctx context.Context, job *Job) (Step, error) {
	req := job.Request

	quote, err := o.deps.Quoter.Estimate(ctx, req.Label, req.Duration)
	if err != nil {
		return "", err
	}

	minimum := new(big.Int).Add(quote.BaseWei, quote.DeploymentGasWei)
	if _, err := o.deps.Prepayments.Verify(ctx, req.PrepaymentTx, req.Requester, minimum); err != nil {
		return "", err
	}

	job.Quote = &quote
	return StepCommitName, nil
}

func (o *Orchestrator) commitName(ctx context.Context, job *Job) (Step, error) {
	if job.Secret == (common.Hash{}) {
		if _, err := rand.Read(job.Secret[:]); err != nil {
			return "", failure.Wrap(failure.CodeCommitFailed, failure.KindRecoverable, err, "failed to generate commitment secret")
		}
		// the secret must survive a crash between submit and save
		if err := o.save(ctx, job); err != nil {
			return "", err
		}
	}

	reg := job.registration(o.cfg.Registrant)
	if err := o.deps.Names.Commit(ctx, &reg); err != nil {
		return "", err
	}
	job.applyRegistration(reg)

	if reg.State == ens.StateRegistered {
		job.NameRegistered = true
		return StepDeployTreasury, nil
	}
	return StepAwaitRevealWindow, nil
}

func (o *Orchestrator) awaitRevealWindow(ctx context.Context, job *Job) (Step, error) {
	reg := job.registration(o.cfg.Registrant)
	if err := o.deps.Names.AwaitRevealWindow(ctx, &reg, o.cfg.RevealWaitCeiling); err != nil {
		return "", err
	}
	return StepRegisterName, nil
}

// registerName reveals the commitment while the treasury address is
// predicted alongside it. A failed prediction is left to DeployTreasury.
func (o *Orchestrator) registerName(ctx context.Context, job *Job) (Step, error) {
	if job.Quote == nil {
		return "", failure.New(failure.CodeRegistrationFailed, failure.KindTerminal, "job %s has no quote to pay for registration", job.ID)
	}

	reg := job.registration(o.cfg.Registrant)
	var (
		g         errgroup.Group
		predicted common.Address
	)

	g.Go(func() error {
		return o.deps.Names.Register(ctx, &reg, job.Request.Duration, job.Quote.CostWei)
	})
	if job.Treasury == (common.Address{}) {
		g.Go(func() error {
			address, err := o.deps.Treasury.Predict(ctx, job.Request.Founders, job.Threshold, job.Salt)
			if err != nil {
				o.logger.With("job_id", job.ID).With("err", err.Error()).Warn("treasury prediction failed")
				return nil
			}
			predicted = address
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	job.NameRegistered = true
	if predicted != (common.Address{}) {
		job.Treasury = predicted
	}
	return StepDeployTreasury, nil
}

func (o *Orchestrator) deployTreasury(ctx context.Context, job *Job) (Step, error) {
	deployment, err := o.deps.Treasury.Deploy(ctx, job.Request.Founders, job.Threshold, job.Salt)
	if err != nil {
		return "", err
	}

	if job.Treasury != (common.Address{}) && job.Treasury != deployment.Address {
		return "", failure.New(failure.CodeDeployFailed, failure.KindTerminal, "treasury deployed at %s, predicted %s", deployment.Address.Hex(), job.Treasury.Hex())
	}

	job.Treasury = deployment.Address
	job.TreasuryDeployed = true
	return StepAssignName, nil
}

func (o *Orchestrator) assignName(ctx context.Context, job *Job) (Step, error) {
	if err := o.deps.Assigner.Assign(ctx, job.Request.Label, job.Treasury); err != nil {
		return "", err
	}
	return StepRecordCompany, nil
}

func (o *Orchestrator) recordCompany(ctx context.Context, job *Job) (Step, error) {
	txHash, err := o.deps.Recorder.RecordCompany(ctx, recorder.Record{
		CompanyID: recorder.CompanyID(job.ID),
		Treasury:  job.Treasury,
		ENSName:   job.ENSName(),
		Founders:  job.Request.Founders,
		Threshold: job.Threshold,
	})
	if err != nil {
		return "", err
	}

	job.RecordTx = txHash
	return StepCompleted, nil
}
