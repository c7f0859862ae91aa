package saga

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/compose-network/company-registrar/internal/registrar/ens"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/compose-network/company-registrar/internal/registrar/infra/chain"
	"github.com/compose-network/company-registrar/internal/registrar/recorder"
	"github.com/compose-network/company-registrar/internal/registrar/treasury"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	registrant = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	requester  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	founderA   = common.HexToAddress("0x000000000000000000000000000000000000000a")
	founderB   = common.HexToAddress("0x000000000000000000000000000000000000000b")
	founderC   = common.HexToAddress("0x000000000000000000000000000000000000000c")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	chainStart = time.Unix(1_700_000_000, 0).UTC()
	oneYear    = 365 * 24 * time.Hour
)

type harness struct {
	orchestrator *Orchestrator
	store        *memStore
	chain        *fakeChain
	verifier     *fakeVerifier
	clock        *chain.SimulatedClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := chain.NewSimulatedClock(chainStart)
	fc := newFakeChain(clock)
	store := newMemStore()
	verifier := &fakeVerifier{}

	windows := ens.Windows{MinCommitmentAge: time.Minute, MaxCommitmentAge: 24 * time.Hour, PollInterval: 5 * time.Second}
	orchestrator := NewOrchestrator(Dependencies{
		Store:       store,
		Quoter:      fakeQuoter{},
		Prepayments: verifier,
		Names:       ens.NewRegistrar(fc, clock, windows),
		Assigner:    ens.NewAssigner(fc),
		Treasury:    treasury.NewDeployer(fc),
		Recorder:    recorder.NewRecorder(fc),
		Records:     fc,
	}, Config{
		Registrant:        registrant,
		RevealWaitCeiling: 10 * time.Minute,
		MaxAttempts:       4,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		MaxRestarts:       2,
	})

	return &harness{orchestrator: orchestrator, store: store, chain: fc, verifier: verifier, clock: clock}
}

func acmeRequest() Request {
	return Request{
		Requester:    requester,
		Label:        "acme",
		Founders:     []common.Address{founderA, founderB, founderC},
		Duration:     oneYear,
		PrepaymentTx: common.HexToHash("0xfeed"),
	}
}

func (h *harness) submitAndWait(t *testing.T, req Request) Job {
	t.Helper()
	submitted, err := h.orchestrator.Submit(context.Background(), req)
	require.NoError(t, err)
	h.orchestrator.Wait()

	job, err := h.orchestrator.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	return job
}

// seed stores a job as a crashed process would have left it.
func (h *harness) seed(t *testing.T, mutate func(job *Job)) Job {
	t.Helper()
	req := acmeRequest()
	quote, err := fakeQuoter{}.Estimate(context.Background(), req.Label, req.Duration)
	require.NoError(t, err)

	id := JobID(req.Requester, req.Label)
	job := Job{
		ID:        id,
		Request:   req,
		Step:      StepValidatePrepayment,
		Status:    StatusRunning,
		Steps:     map[Step]StepRecord{},
		Salt:      treasury.SaltNonce(id),
		Threshold: 2,
		Quote:     &quote,
		CreatedAt: chainStart,
		UpdatedAt: chainStart,
	}
	mutate(&job)
	require.NoError(t, h.store.Save(context.Background(), job))
	return job
}

func TestRegistrationCompletes(t *testing.T) {
	h := newHarness(t)

	job := h.submitAndWait(t, acmeRequest())

	require.Equal(t, StatusCompleted, job.Status, "last error: %+v", job.LastError)
	assert.Equal(t, StepCompleted, job.Step)
	assert.Equal(t, "acme.eth", job.ENSName())
	assert.Equal(t, 2, job.Threshold)
	assert.True(t, job.NameRegistered)
	assert.True(t, job.TreasuryDeployed)
	assert.False(t, job.RefundEligible)
	assert.Nil(t, job.LastError)

	predicted, err := h.chain.ComputeAddress(context.Background(), job.Request.Founders, 2, job.Salt)
	require.NoError(t, err)
	assert.Equal(t, predicted, job.Treasury)

	node := ens.Node("acme")
	assert.Equal(t, job.Treasury, h.chain.owners["acme"])
	assert.Equal(t, job.Treasury, h.chain.tokenOwners["acme"])
	assert.Equal(t, job.Treasury, h.chain.addrs[node])
	assert.True(t, h.chain.code[job.Treasury])

	txHash, found, err := h.chain.FindRecord(context.Background(), recorder.CompanyID(job.ID), job.Treasury)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, txHash, job.RecordTx)

	commits, registers, deploys, records := h.chain.counts()
	assert.Equal(t, []int{1, 1, 1, 1}, []int{commits, registers, deploys, records})

	now, _ := h.clock.Now(context.Background())
	assert.False(t, now.Before(job.CommittedAt.Add(time.Minute)))

	for _, step := range steps[:len(steps)-1] {
		record, ok := job.Steps[step]
		require.True(t, ok, "step %s has no record", step)
		assert.False(t, record.FinishedAt.IsZero(), "step %s not finished", step)
		assert.Equal(t, 1, record.Attempts, "step %s", step)
	}
}

func TestSubmitReturnsExistingJob(t *testing.T) {
	h := newHarness(t)

	first := h.submitAndWait(t, acmeRequest())

	req := acmeRequest()
	req.Label = "ACME.eth"
	req.Founders = []common.Address{founderA}
	again, err := h.orchestrator.Submit(context.Background(), req)
	require.NoError(t, err)
	h.orchestrator.Wait()

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, 1, h.verifier.callCount())
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)

	req := acmeRequest()
	req.Founders = nil
	_, err := h.orchestrator.Submit(context.Background(), req)
	require.ErrorIs(t, err, failure.ErrInvalidInput)

	jobs, err := h.orchestrator.List(context.Background(), common.Address{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestResumeDuringRevealWaitDoesNotRecommit(t *testing.T) {
	h := newHarness(t)

	secret := common.HexToHash("0x5ec7e7")
	commitment := ens.MakeCommitment("acme", registrant, secret)
	h.chain.commitments[commitment] = chainStart

	// the commit was mined but the process died before saving past it
	h.seed(t, func(job *Job) {
		job.Step = StepCommitName
		job.Secret = secret
	})

	resumed, err := h.orchestrator.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	h.orchestrator.Wait()

	job, err := h.orchestrator.Get(context.Background(), JobID(requester, "acme"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status, "last error: %+v", job.LastError)
	assert.Equal(t, chainStart, job.CommittedAt)

	commits, registers, _, _ := h.chain.counts()
	assert.Zero(t, commits)
	assert.Equal(t, 1, registers)
	assert.Zero(t, h.verifier.callCount())
}

func TestResumeAfterRegistrationDoesNotRegisterAgain(t *testing.T) {
	h := newHarness(t)

	h.chain.owners["acme"] = registrant
	h.chain.tokenOwners["acme"] = registrant

	h.seed(t, func(job *Job) {
		job.Step = StepRegisterName
		job.Secret = common.HexToHash("0x5ec7e7")
		job.CommittedAt = chainStart
	})

	_, err := h.orchestrator.Resume(context.Background())
	require.NoError(t, err)
	h.orchestrator.Wait()

	job, err := h.orchestrator.Get(context.Background(), JobID(requester, "acme"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status, "last error: %+v", job.LastError)
	assert.True(t, job.NameRegistered)

	commits, registers, deploys, records := h.chain.counts()
	assert.Zero(t, commits)
	assert.Zero(t, registers)
	assert.Equal(t, 1, deploys)
	assert.Equal(t, 1, records)
}

func TestRevealExpiryRestartsFromCommit(t *testing.T) {
	h := newHarness(t)
	h.chain.expireFirstCommit = true

	job := h.submitAndWait(t, acmeRequest())

	require.Equal(t, StatusCompleted, job.Status, "last error: %+v", job.LastError)
	assert.Equal(t, 1, job.Restarts)
	assert.Equal(t, 1, h.verifier.callCount())

	commits, registers, _, _ := h.chain.counts()
	assert.Equal(t, 2, commits)
	assert.Equal(t, 1, registers)
}

func TestRecoverableFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.chain.deployFailures = 2

	job := h.submitAndWait(t, acmeRequest())

	require.Equal(t, StatusCompleted, job.Status, "last error: %+v", job.LastError)
	assert.Equal(t, 3, job.Steps[StepDeployTreasury].Attempts)

	_, _, deploys, _ := h.chain.counts()
	assert.Equal(t, 3, deploys)
}

func TestRecoverableFailureExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	h.chain.deployFailures = 10

	job := h.submitAndWait(t, acmeRequest())

	require.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, StepDeployTreasury, job.Step)
	assert.Equal(t, failure.KindRecoverable, job.FailureKind)
	assert.Equal(t, failure.CodeDeployFailed, job.LastError.Code)
	assert.Equal(t, 4, job.Steps[StepDeployTreasury].Attempts)
	assert.False(t, job.RefundEligible, "the name is already paid for")
}

func TestTerminalFailureSurfacesInPendingViews(t *testing.T) {
	h := newHarness(t)
	h.chain.owners["acme"] = stranger

	job := h.submitAndWait(t, acmeRequest())

	require.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, failure.KindTerminal, job.FailureKind)
	assert.Equal(t, failure.CodeNameUnavailable, job.LastError.Code)
	assert.True(t, job.RefundEligible)
	assert.Equal(t, 1, job.Steps[StepCommitName].Attempts)

	views, err := h.orchestrator.PendingViews(context.Background(), requester)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "failed", views[0].Status)
	assert.Equal(t, failure.Reason(failure.CodeNameUnavailable), views[0].Reason)
	assert.Equal(t, "acme.eth", views[0].ENSName)
	assert.True(t, views[0].RefundEligible)
}

func TestRetryFailedJob(t *testing.T) {
	h := newHarness(t)
	h.verifier.set(failure.New(failure.CodeInsufficientPrepayment, failure.KindValidation, "short"))

	failed := h.submitAndWait(t, acmeRequest())
	require.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, failure.KindValidation, failed.FailureKind)
	assert.Equal(t, 1, h.verifier.callCount(), "validation failures are not retried")

	_, err := h.orchestrator.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	h.orchestrator.Wait()

	h.verifier.set(nil)
	_, err = h.orchestrator.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	h.orchestrator.Wait()

	job, err := h.orchestrator.Get(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, job.ID)
	assert.Equal(t, StatusCompleted, job.Status)

	_, err = h.orchestrator.Retry(context.Background(), failed.ID)
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetryAfterTimeoutRestartsFromCommit(t *testing.T) {
	h := newHarness(t)
	h.seed(t, func(job *Job) {
		job.Step = StepAwaitRevealWindow
		job.Status = StatusFailed
		job.LastError = &JobError{Code: failure.CodeTimeout, Kind: failure.KindTimeout}
	})

	job, err := h.orchestrator.Retry(context.Background(), JobID(requester, "acme"))
	require.NoError(t, err)
	assert.Equal(t, StepCommitName, job.Step)
	h.orchestrator.Wait()

	job, err = h.orchestrator.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestCancelIdleJob(t *testing.T) {
	h := newHarness(t)
	seeded := h.seed(t, func(job *Job) {
		job.Status = StatusPending
		job.Step = StepAwaitRevealWindow
	})

	job, err := h.orchestrator.Cancel(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.True(t, job.RefundEligible)
	assert.Equal(t, failure.CodeCancelled, job.LastError.Code)

	views, err := h.orchestrator.PendingViews(context.Background(), requester)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "cancelled", views[0].Status)
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t)
	h.verifier.block = true
	h.verifier.entered = make(chan struct{}, 1)

	submitted, err := h.orchestrator.Submit(context.Background(), acmeRequest())
	require.NoError(t, err)

	select {
	case <-h.verifier.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached prepayment validation")
	}

	job, err := h.orchestrator.Cancel(context.Background(), submitted.ID)
	require.NoError(t, err)
	h.orchestrator.Wait()

	assert.Equal(t, StatusCancelled, job.Status)
	assert.True(t, job.RefundEligible)

	commits, _, _, _ := h.chain.counts()
	assert.Zero(t, commits)
}

func TestCancelRejectedOnceRegistering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(job *Job)
	}{
		{name: "register step", mutate: func(job *Job) { job.Step = StepRegisterName; job.Status = StatusPending }},
		{name: "name registered", mutate: func(job *Job) { job.Step = StepDeployTreasury; job.NameRegistered = true; job.Status = StatusFailed }},
		{name: "completed", mutate: func(job *Job) { job.Step = StepCompleted; job.Status = StatusCompleted }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			seeded := h.seed(t, tt.mutate)

			_, err := h.orchestrator.Cancel(context.Background(), seeded.ID)
			require.ErrorIs(t, err, ErrCancelRejected)

			job, err := h.orchestrator.Get(context.Background(), seeded.ID)
			require.NoError(t, err)
			assert.Equal(t, seeded.Status, job.Status)
		})
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t)
	h.verifier.block = true
	h.verifier.entered = make(chan struct{}, 1)

	submitted, err := h.orchestrator.Submit(context.Background(), acmeRequest())
	require.NoError(t, err)
	<-h.verifier.entered

	_, err = h.orchestrator.Run(context.Background(), submitted.ID)
	require.ErrorIs(t, err, ErrJobRunning)

	_, err = h.orchestrator.Cancel(context.Background(), submitted.ID)
	require.NoError(t, err)
	h.orchestrator.Wait()
}

func TestInterruptedRunParksJob(t *testing.T) {
	h := newHarness(t)
	h.verifier.block = true
	h.verifier.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	submitted, err := h.orchestrator.Submit(ctx, acmeRequest())
	require.NoError(t, err)
	<-h.verifier.entered
	cancel()
	h.orchestrator.Wait()

	job, err := h.orchestrator.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, StepValidatePrepayment, job.Step)

	active, err := h.store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCollectGarbage(t *testing.T) {
	h := newHarness(t)

	completed := h.submitAndWait(t, acmeRequest())
	require.Equal(t, StatusCompleted, completed.Status)

	unrecorded := acmeRequest()
	unrecorded.Label = "beta"
	unrecorded.PrepaymentTx = common.HexToHash("0xbe7a")
	h.chain.owners["gamma"] = stranger
	failedReq := acmeRequest()
	failedReq.Label = "gamma"
	failedReq.PrepaymentTx = common.HexToHash("0xbeef")
	h.submitAndWait(t, failedReq)

	orphan := Job{
		ID:        JobID(requester, "beta"),
		Request:   unrecorded,
		Step:      StepCompleted,
		Status:    StatusCompleted,
		Salt:      big.NewInt(1),
		Treasury:  common.HexToAddress("0x0c"),
		CreatedAt: chainStart,
		UpdatedAt: chainStart,
	}
	require.NoError(t, h.store.Save(context.Background(), orphan))

	deleted, err := h.orchestrator.CollectGarbage(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted, "nothing is past retention yet")

	h.orchestrator.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	deleted, err = h.orchestrator.CollectGarbage(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	jobs, err := h.orchestrator.List(context.Background(), requester)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, orphan.ID, jobs[0].ID)
}

func TestSubmitRejectsPrepaymentFundingAnotherJob(t *testing.T) {
	h := newHarness(t)

	first := h.submitAndWait(t, acmeRequest())
	require.Equal(t, StatusCompleted, first.Status)

	relabelled := acmeRequest()
	relabelled.Label = "globex"
	_, err := h.orchestrator.Submit(context.Background(), relabelled)
	require.ErrorIs(t, err, failure.ErrPrepaymentClaimed)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
	h.orchestrator.Wait()

	// the owning request still resolves to its job
	again, err := h.orchestrator.Submit(context.Background(), acmeRequest())
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	jobs, err := h.orchestrator.List(context.Background(), requester)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, 1, h.verifier.callCount())
}

func TestPrepaymentClaimOutlivesCollectedJob(t *testing.T) {
	h := newHarness(t)
	h.chain.owners["acme"] = stranger

	failed := h.submitAndWait(t, acmeRequest())
	require.Equal(t, StatusFailed, failed.Status)
	require.True(t, failed.RefundEligible)

	h.orchestrator.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	deleted, err := h.orchestrator.CollectGarbage(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	relabelled := acmeRequest()
	relabelled.Label = "globex"
	_, err = h.orchestrator.Submit(context.Background(), relabelled)
	require.ErrorIs(t, err, failure.ErrPrepaymentClaimed)
}

func TestRevealTooEarlyReroutesWithoutRetrying(t *testing.T) {
	h := newHarness(t)

	secret := common.HexToHash("0x5ec7e7")
	h.chain.commitments[ens.MakeCommitment("acme", registrant, secret)] = chainStart
	seeded := h.seed(t, func(job *Job) {
		job.Step = StepRegisterName
		job.Status = StatusPending
		job.Secret = secret
		job.CommittedAt = chainStart
	})

	job, err := h.orchestrator.Run(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status, "last error: %+v", job.LastError)

	// one early attempt, then one after the wait
	assert.Equal(t, 2, job.Steps[StepRegisterName].Attempts)
	assert.Equal(t, 1, job.Steps[StepAwaitRevealWindow].Attempts)

	_, registers, _, _ := h.chain.counts()
	assert.Equal(t, 1, registers)
}

func TestJobLeasedElsewhereIsNotDriven(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeded := h.seed(t, func(job *Job) { job.Status = StatusPending })
	claimed, err := h.store.Claim(ctx, seeded.ID, "other-process", time.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = h.orchestrator.Run(ctx, seeded.ID)
	require.ErrorIs(t, err, ErrJobRunning)

	_, err = h.orchestrator.Cancel(ctx, seeded.ID)
	require.ErrorIs(t, err, ErrJobRunning)

	job, err := h.orchestrator.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Zero(t, h.verifier.callCount())

	// the other process died and its lease ran out
	_, err = h.store.Claim(ctx, seeded.ID, "other-process", time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)

	resumed, err := h.orchestrator.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	h.orchestrator.Wait()

	job, err = h.orchestrator.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status, "last error: %+v", job.LastError)

	_, held := h.store.leaseOf(seeded.ID)
	assert.False(t, held, "lease is released once the job stops")
}
