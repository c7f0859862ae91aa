// Package saga drives company registrations through their steps: prepayment,
// name commit and reveal, treasury deployment, name assignment and the
// on-chain record. Jobs are persisted after every transition and leased to
// one process at a time.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/compose-network/company-registrar/internal/logger"
	"github.com/compose-network/company-registrar/internal/registrar/cost"
	"github.com/compose-network/company-registrar/internal/registrar/ens"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/compose-network/company-registrar/internal/registrar/prepayment"
	"github.com/compose-network/company-registrar/internal/registrar/recorder"
	"github.com/compose-network/company-registrar/internal/registrar/threshold"
	"github.com/compose-network/company-registrar/internal/registrar/treasury"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const defaultLeaseDuration = time.Minute

type (
	store interface {
		Save(ctx context.Context, job Job) error
		Get(ctx context.Context, id string) (Job, error)
		ListAll(ctx context.Context) ([]Job, error)
		ListActive(ctx context.Context) ([]Job, error)
		ListByRequester(ctx context.Context, requester common.Address) ([]Job, error)
		ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]Job, error)
		Delete(ctx context.Context, id string) error

		// Claim leases the job to owner until now+lease, unless another owner
		// holds an unexpired lease. Claiming a held lease renews it.
		Claim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (bool, error)
		Release(ctx context.Context, id, owner string) error
	}

	quoter interface {
		Estimate(ctx context.Context, label string, duration time.Duration) (cost.Quote, error)
	}

	prepaymentVerifier interface {
		Verify(ctx context.Context, txHash common.Hash, requester common.Address, minimum *big.Int) (prepayment.Payment, error)
	}

	nameRegistrar interface {
		Commit(ctx context.Context, reg *ens.Registration) error
		AwaitRevealWindow(ctx context.Context, reg *ens.Registration, ceiling time.Duration) error
		Register(ctx context.Context, reg *ens.Registration, duration time.Duration, value *big.Int) error
	}

	nameAssigner interface {
		Assign(ctx context.Context, label string, target common.Address) error
	}

	treasuryDeployer interface {
		Predict(ctx context.Context, owners []common.Address, threshold int, salt *big.Int) (common.Address, error)
		Deploy(ctx context.Context, owners []common.Address, threshold int, salt *big.Int) (treasury.Deployment, error)
	}

	companyRecorder interface {
		RecordCompany(ctx context.Context, record recorder.Record) (common.Hash, error)
	}

	recordFinder interface {
		FindRecord(ctx context.Context, companyID *big.Int, treasury common.Address) (common.Hash, bool, error)
	}

	observer interface {
		ObserveStep(step, outcome string, elapsed time.Duration)
		ObserveJob(status string)
	}

	Dependencies struct {
		Store       store
		Quoter      quoter
		Prepayments prepaymentVerifier
		Names       nameRegistrar
		Assigner    nameAssigner
		Treasury    treasuryDeployer
		Recorder    companyRecorder
		Records     recordFinder
		Observer    observer
	}

	Config struct {
		// Registrant commits and registers names before they are handed to
		// the treasury. It is the submitting signer.
		Registrant        common.Address
		RevealWaitCeiling time.Duration
		MaxAttempts       int
		InitialBackoff    time.Duration
		MaxBackoff        time.Duration
		MaxRestarts       int
		// LeaseDuration is how long a job stays claimed by this process
		// without renewal. Renewals happen at a third of it.
		LeaseDuration time.Duration
	}

	run struct {
		cancel          context.CancelFunc
		cancelRequested bool
		leaseLost       bool
		leased          bool
		renewed         chan struct{}
		done            chan struct{}
	}

	stepHandler func(ctx context.Context, job *Job) (Step, error)

	// Orchestrator drives registration jobs through their steps. Every step
	// checks chain state before it submits, so a job can be resumed from its
	// persisted step after a crash without repeating finished work.
	Orchestrator struct {
		deps     Dependencies
		cfg      Config
		handlers map[Step]stepHandler
		now      func() time.Time
		owner    string
		logger   *slog.Logger

		mu      sync.Mutex
		running map[string]*run
		wg      sync.WaitGroup
	}
)

var errCancelled = failure.New(failure.CodeCancelled, failure.KindTerminal, "cancelled by request")

// NewOrchestrator returns an orchestrator owning its jobs under a fresh lease
// owner id.
func NewOrchestrator(deps Dependencies, cfg Config) *Orchestrator {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}

	o := &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		now:     time.Now,
		owner:   uuid.NewString(),
		logger:  logger.Named("saga"),
		running: make(map[string]*run),
	}
	o.handlers = map[Step]stepHandler{
		StepValidatePrepayment: o.validatePrepayment,
		StepCommitName:         o.commitName,
		StepAwaitRevealWindow:  o.awaitRevealWindow,
		StepRegisterName:       o.registerName,
		StepDeployTreasury:     o.deployTreasury,
		StepAssignName:         o.assignName,
		StepRecordCompany:      o.recordCompany,
	}

	return o
}

// Submit creates the job for req and starts it in the background. A request
// whose job already exists returns that job untouched. A prepayment that
// already funds another job is rejected.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Job, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return Job{}, err
	}

	id := JobID(req.Requester, req.Label)
	log := o.logger.With("job_id", id).With("ens_name", ens.FullName(req.Label))

	existing, err := o.deps.Store.Get(ctx, id)
	if err == nil {
		log.With("status", existing.Status).Info("job already exists")
		return existing, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return Job{}, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	thr, err := threshold.Calculate(len(req.Founders))
	if err != nil {
		return Job{}, err
	}

	now := o.now()
	job := Job{
		ID:        id,
		Request:   req,
		Step:      StepValidatePrepayment,
		Status:    StatusPending,
		Steps:     make(map[Step]StepRecord),
		Salt:      treasury.SaltNonce(id),
		Threshold: thr,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.deps.Store.Save(ctx, job); err != nil {
		if errors.Is(err, ErrPrepaymentClaimed) {
			log.With("prepayment_tx", req.PrepaymentTx.Hex()).Warn("prepayment already funds another job")
			return Job{}, failure.Wrap(failure.CodePrepaymentClaimed, failure.KindValidation, err, "prepayment "+req.PrepaymentTx.Hex()+" already funds another registration")
		}
		return Job{}, fmt.Errorf("failed to save job %s: %w", id, err)
	}

	log.With("founders", len(req.Founders)).With("threshold", thr).Info("job submitted")
	o.launch(ctx, id)

	return job, nil
}

// Resume launches every job that has not reached a terminal state and is not
// already driven here. Jobs leased by another process are skipped by Run.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	jobs, err := o.deps.Store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	launched := 0
	for _, job := range jobs {
		if o.isRunning(job.ID) {
			continue
		}
		o.launch(ctx, job.ID)
		launched++
	}

	return launched, nil
}

// Wait blocks until every launched job has stopped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) launch(ctx context.Context, id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(ctx, id); err != nil && !errors.Is(err, ErrJobRunning) {
			o.logger.With("job_id", id).With("err", err.Error()).Warn("job stopped before reaching a terminal state")
		}
	}()
}

// Run drives one job until it completes, fails or is cancelled. It returns an
// error only when the job could not be driven at all, or ctx ended first.
func (o *Orchestrator) Run(ctx context.Context, id string) (Job, error) {
	runCtx, r, err := o.claim(ctx, id)
	if err != nil {
		return Job{}, err
	}
	defer o.release(id, r)

	job, err := o.deps.Store.Get(runCtx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if err := o.lease(runCtx, id, r); err != nil {
		return job, err
	}

	log := o.logger.With("job_id", id).With("ens_name", job.ENSName())
	log.With("step", job.Step).Info("driving job")

	job.Status = StatusRunning
	if err := o.save(ctx, &job); err != nil {
		return job, err
	}

	for job.Step != StepCompleted {
		next, stepErr := o.runStep(runCtx, &job)
		if stepErr == nil {
			if err := o.advance(ctx, &job, next); err != nil {
				if errors.Is(err, errCancelled) {
					return o.finishCancelled(ctx, job)
				}
				if errors.Is(err, ErrJobRunning) {
					return job, fmt.Errorf("job %s taken over by another process: %w", id, err)
				}
				return job, err
			}
			continue
		}

		if o.cancelRequested(id) {
			return o.finishCancelled(ctx, job)
		}
		if o.leaseLost(id) {
			return job, fmt.Errorf("job %s taken over by another process: %w", id, ErrJobRunning)
		}
		if ctx.Err() != nil {
			job.Status = StatusPending
			if err := o.save(ctx, &job); err != nil {
				log.With("err", err.Error()).Warn("failed to park interrupted job")
			}
			return job, ctx.Err()
		}

		if o.reroute(&job, stepErr) {
			if err := o.save(ctx, &job); err != nil {
				return job, err
			}
			continue
		}

		return o.fail(ctx, job, stepErr)
	}

	job.Status = StatusCompleted
	job.LastError = nil
	if err := o.save(ctx, &job); err != nil {
		return job, err
	}
	o.deps.Observer.ObserveJob(string(StatusCompleted))
	log.With("treasury", job.Treasury.Hex()).With("record_tx", job.RecordTx.Hex()).Info("job completed")

	return job, nil
}

// runStep executes the current step, retrying recoverable failures with
// exponential backoff up to the configured attempts. A reveal that comes too
// early is handed straight to reroute.
func (o *Orchestrator) runStep(ctx context.Context, job *Job) (Step, error) {
	step := job.Step
	handler, ok := o.handlers[step]
	if !ok {
		return "", failure.New(failure.CodeInvalidInput, failure.KindTerminal, "job %s is at unknown step %q", job.ID, step)
	}
	log := o.logger.With("job_id", job.ID).With("step", step)
	start := time.Now()

	operation := func() (Step, error) {
		o.recordAttempt(job)
		next, err := handler(ctx, job)
		if err == nil {
			return next, nil
		}
		if ctx.Err() != nil || errors.Is(err, failure.ErrRevealTooEarly) || failure.KindOf(err) != failure.KindRecoverable {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	next, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(o.backOff()),
		backoff.WithMaxTries(uint(max(o.cfg.MaxAttempts, 1))),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.With("err", err.Error()).With("retry_in", wait).Warn("step failed, retrying")
		}),
	)

	outcome := "ok"
	if err != nil {
		outcome = string(failure.KindOf(err))
	}
	o.deps.Observer.ObserveStep(string(step), outcome, time.Since(start))

	return next, err
}

func (o *Orchestrator) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	return b
}

// reroute applies the automatic transitions that are not failures: a reveal
// attempted too early goes back to waiting, and an expired commitment starts
// over from commit while restarts remain.
func (o *Orchestrator) reroute(job *Job, err error) bool {
	log := o.logger.With("job_id", job.ID).With("step", job.Step)

	switch {
	case errors.Is(err, failure.ErrRevealTooEarly) && job.Step == StepRegisterName:
		log.Info("reveal window not open yet, waiting again")
		job.Step = StepAwaitRevealWindow
		return true

	case errors.Is(err, failure.ErrRevealExpired) && !job.NameRegistered && job.Restarts < o.cfg.MaxRestarts:
		job.Restarts++
		job.Secret = common.Hash{}
		job.Commitment = common.Hash{}
		job.CommittedAt = time.Time{}
		job.Step = StepCommitName
		log.With("restarts", job.Restarts).Warn("commitment expired, restarting from commit")
		return true
	}

	return false
}

func (o *Orchestrator) fail(ctx context.Context, job Job, cause error) (Job, error) {
	kind := failure.KindOf(cause)

	job.Status = StatusFailed
	job.FailureKind = kind
	job.LastError = &JobError{Code: failure.CodeOf(cause), Kind: kind, Message: cause.Error()}
	job.RefundEligible = !job.NameRegistered
	if err := o.save(ctx, &job); err != nil {
		return job, err
	}

	o.deps.Observer.ObserveJob(string(StatusFailed))
	o.logger.
		With("job_id", job.ID).
		With("step", job.Step).
		With("kind", kind).
		With("refund_eligible", job.RefundEligible).
		With("err", cause.Error()).
		Error("job failed")

	return job, nil
}

func (o *Orchestrator) finishCancelled(ctx context.Context, job Job) (Job, error) {
	markCancelled(&job)
	if err := o.save(ctx, &job); err != nil {
		return job, err
	}
	o.deps.Observer.ObserveJob(string(StatusCancelled))
	o.logger.With("job_id", job.ID).With("step", job.Step).Info("job cancelled")
	return job, nil
}

func markCancelled(job *Job) {
	job.Status = StatusCancelled
	job.FailureKind = failure.KindTerminal
	job.LastError = &JobError{Code: failure.CodeCancelled, Kind: failure.KindTerminal, Message: errCancelled.Error()}
	job.RefundEligible = !job.NameRegistered
}

// Cancel stops a job that has not yet started registering its name. Once
// RegisterName is reached the name may already be paid for, and the request
// fails with ErrCancelRejected. A job driven by another process fails with
// ErrJobRunning.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (Job, error) {
	o.mu.Lock()

	job, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return Job{}, err
	}
	if job.Status == StatusCancelled {
		o.mu.Unlock()
		return job, nil
	}
	if job.Status == StatusCompleted || job.NameRegistered || !job.Step.Before(StepRegisterName) {
		o.mu.Unlock()
		return job, ErrCancelRejected
	}

	r, running := o.running[id]
	if !running {
		defer o.mu.Unlock()
		release, err := o.leaseBriefly(ctx, id)
		if err != nil {
			return job, err
		}
		defer release()

		markCancelled(&job)
		if err := o.save(ctx, &job); err != nil {
			return job, err
		}
		o.deps.Observer.ObserveJob(string(StatusCancelled))
		o.logger.With("job_id", id).Info("job cancelled")
		return job, nil
	}

	r.cancelRequested = true
	r.cancel()
	done := r.done
	o.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}

	return o.deps.Store.Get(ctx, id)
}

// Retry restarts a failed job under the same id. Jobs that failed on an
// expired commitment or a reveal timeout start over from commit.
func (o *Orchestrator) Retry(ctx context.Context, id string) (Job, error) {
	o.mu.Lock()
	if _, running := o.running[id]; running {
		o.mu.Unlock()
		return Job{}, ErrJobRunning
	}

	job, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return Job{}, err
	}
	if job.Status != StatusFailed {
		o.mu.Unlock()
		return job, ErrNotRetryable
	}
	release, err := o.leaseBriefly(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return job, err
	}

	if job.LastError != nil && !job.NameRegistered &&
		(job.LastError.Code == failure.CodeRevealExpired || job.LastError.Code == failure.CodeTimeout) {
		job.Step = StepCommitName
	}
	job.Status = StatusPending
	job.LastError = nil
	job.FailureKind = ""
	job.RefundEligible = false

	err = o.save(ctx, &job)
	release()
	o.mu.Unlock()
	if err != nil {
		return job, err
	}

	o.logger.With("job_id", id).With("step", job.Step).Info("job retried")
	o.launch(ctx, id)

	return job, nil
}

// Get returns the stored job with the given id, or ErrJobNotFound.
func (o *Orchestrator) Get(ctx context.Context, id string) (Job, error) {
	return o.deps.Store.Get(ctx, id)
}

// List returns the requester's jobs, or every job for the zero address.
func (o *Orchestrator) List(ctx context.Context, requester common.Address) ([]Job, error) {
	if requester == (common.Address{}) {
		return o.deps.Store.ListAll(ctx)
	}
	return o.deps.Store.ListByRequester(ctx, requester)
}

// CollectGarbage deletes terminal jobs older than retention. Completed jobs
// are kept until their CompanyRecorded event is visible on chain.
func (o *Orchestrator) CollectGarbage(ctx context.Context, retention time.Duration) (int, error) {
	jobs, err := o.deps.Store.ListFinishedBefore(ctx, o.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to list finished jobs: %w", err)
	}

	deleted := 0
	for _, job := range jobs {
		if job.Status == StatusCompleted {
			_, found, err := o.deps.Records.FindRecord(ctx, recorder.CompanyID(job.ID), job.Treasury)
			if err != nil {
				return deleted, fmt.Errorf("failed to confirm record of job %s: %w", job.ID, err)
			}
			if !found {
				o.logger.With("job_id", job.ID).Warn("completed job has no visible record yet, keeping it")
				continue
			}
		}

		if err := o.deps.Store.Delete(ctx, job.ID); err != nil {
			return deleted, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
		deleted++
	}

	if deleted > 0 {
		o.logger.With("deleted", deleted).Info("garbage collected finished jobs")
	}

	return deleted, nil
}

func (o *Orchestrator) claim(ctx context.Context, id string) (context.Context, *run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.running[id]; ok {
		return nil, nil, ErrJobRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	o.running[id] = r

	return runCtx, r, nil
}

func (o *Orchestrator) release(id string, r *run) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()

	r.cancel()
	if r.renewed != nil {
		<-r.renewed
	}
	if r.leased && !r.leaseLost {
		if err := o.deps.Store.Release(context.Background(), id, o.owner); err != nil {
			o.logger.With("job_id", id).With("err", err.Error()).Warn("failed to release job lease")
		}
	}
	close(r.done)
}

// lease takes the job's store lease for this process and keeps renewing it
// until ctx ends. A job leased elsewhere fails with ErrJobRunning.
func (o *Orchestrator) lease(ctx context.Context, id string, r *run) error {
	ok, err := o.deps.Store.Claim(ctx, id, o.owner, o.now(), o.cfg.LeaseDuration)
	if err != nil {
		return fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	if !ok {
		return ErrJobRunning
	}

	r.leased = true
	r.renewed = make(chan struct{})
	go o.renew(ctx, id, r)

	return nil
}

func (o *Orchestrator) renew(ctx context.Context, id string, r *run) {
	defer close(r.renewed)

	ticker := time.NewTicker(o.cfg.LeaseDuration / 3)
	defer ticker.Stop()

	log := o.logger.With("job_id", id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := o.deps.Store.Claim(ctx, id, o.owner, o.now(), o.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() == nil {
				log.With("err", err.Error()).Warn("failed to renew job lease")
			}
			continue
		}
		if !ok {
			log.Warn("job lease lost, stopping")
			o.mu.Lock()
			r.leaseLost = true
			o.mu.Unlock()
			r.cancel()
			return
		}
	}
}

// leaseBriefly holds the store lease of a job that is not running here while
// it is changed outside Run.
func (o *Orchestrator) leaseBriefly(ctx context.Context, id string) (func(), error) {
	ok, err := o.deps.Store.Claim(ctx, id, o.owner, o.now(), o.cfg.LeaseDuration)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	if !ok {
		return nil, ErrJobRunning
	}
	return func() {
		if err := o.deps.Store.Release(context.WithoutCancel(ctx), id, o.owner); err != nil {
			o.logger.With("job_id", id).With("err", err.Error()).Warn("failed to release job lease")
		}
	}, nil
}

func (o *Orchestrator) isRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.running[id]
	return ok
}

func (o *Orchestrator) cancelRequested(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.running[id]
	return ok && r.cancelRequested
}

func (o *Orchestrator) leaseLost(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.running[id]
	return ok && r.leaseLost
}

// advance moves the job to next under the orchestrator lock, so Cancel always
// sees either the old step or the new one.
func (o *Orchestrator) advance(ctx context.Context, job *Job, next Step) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.running[job.ID]; ok && r.cancelRequested {
		return errCancelled
	}
	if r, ok := o.running[job.ID]; ok && r.leaseLost {
		return ErrJobRunning
	}

	record := job.Steps[job.Step]
	record.FinishedAt = o.now()
	job.Steps[job.Step] = record
	job.Step = next

	return o.save(ctx, job)
}

func (o *Orchestrator) recordAttempt(job *Job) {
	if job.Steps == nil {
		job.Steps = make(map[Step]StepRecord)
	}
	record := job.Steps[job.Step]
	if record.StartedAt.IsZero() {
		record.StartedAt = o.now()
	}
	record.Attempts++
	job.Steps[job.Step] = record
}

// save persists the job even when ctx has been cancelled.
func (o *Orchestrator) save(ctx context.Context, job *Job) error {
	job.UpdatedAt = o.now()
	if err := o.deps.Store.Save(context.WithoutCancel(ctx), *job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

type nopObserver struct{}

func (nopObserver) ObserveStep(string, string, time.Duration) {}
func (nopObserver) ObserveJob(string)                         {}
