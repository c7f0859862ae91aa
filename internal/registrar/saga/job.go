package saga

import (
	"errors"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/compose-network/company-registrar/internal/registrar/cost"
	"github.com/compose-network/company-registrar/internal/registrar/ens"
	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type (
	Step   string
	Status string
)

const (
	StepValidatePrepayment Step = "validate_prepayment"
	StepCommitName         Step = "commit_name"
	StepAwaitRevealWindow  Step = "await_reveal_window"
	StepRegisterName       Step = "register_name"
	StepDeployTreasury     Step = "deploy_treasury"
	StepAssignName         Step = "assign_name"
	StepRecordCompany      Step = "record_company"
	StepCompleted          Step = "completed"
)

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// MinDuration is the shortest rental the .eth controller accepts.
const MinDuration = 28 * 24 * time.Hour

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobRunning     = errors.New("job is already running")
	ErrCancelRejected = errors.New("job can no longer be cancelled")
	ErrNotRetryable   = errors.New("only failed jobs can be retried")

	// ErrPrepaymentClaimed is returned by a store asked to save a job whose
	// prepayment transaction is already bound to a different job.
	ErrPrepaymentClaimed = errors.New("prepayment already claimed by another job")
)

var steps = []Step{
	StepValidatePrepayment,
	StepCommitName,
	StepAwaitRevealWindow,
	StepRegisterName,
	StepDeployTreasury,
	StepAssignName,
	StepRecordCompany,
	StepCompleted,
}

// jobNamespace scopes job ids so they never collide with other UUIDv5 users.
var jobNamespace = uuid.MustParse("3f0c2a5e-7d41-5b8e-9c6a-2e4f1d8b7a90")

func (s Step) index() int { return slices.Index(steps, s) }

// Before reports whether s comes strictly earlier in the pipeline than other.
func (s Step) Before(other Step) bool { return s.index() < other.index() }

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type (
	// Request is what a requester submits after prepaying. It never changes
	// once a job exists for it.
	Request struct {
		Requester    common.Address   `json:"requester"`
		Label        string           `json:"label"`
		Founders     []common.Address `json:"founders"`
		Duration     time.Duration    `json:"duration"`
		PrepaymentTx common.Hash      `json:"prepayment_tx"`
	}

	StepRecord struct {
		StartedAt  time.Time `json:"started_at"`
		FinishedAt time.Time `json:"finished_at,omitzero"`
		Attempts   int       `json:"attempts"`
	}

	JobError struct {
		Code    failure.Code `json:"code"`
		Kind    failure.Kind `json:"kind"`
		Message string       `json:"message"`
	}

	Job struct {
		ID        string              `json:"id"`
		Request   Request             `json:"request"`
		Step      Step                `json:"step"`
		Status    Status              `json:"status"`
		Steps     map[Step]StepRecord `json:"steps"`
		LastError *JobError           `json:"last_error,omitempty"`

		Secret      common.Hash `json:"secret"`
		Commitment  common.Hash `json:"commitment"`
		CommittedAt time.Time   `json:"committed_at,omitzero"`
		Quote       *cost.Quote `json:"quote,omitempty"`

		Salt             *big.Int       `json:"salt"`
		Threshold        int            `json:"threshold"`
		Treasury         common.Address `json:"treasury"`
		TreasuryDeployed bool           `json:"treasury_deployed"`
		RecordTx         common.Hash    `json:"record_tx"`

		Restarts       int          `json:"restarts"`
		NameRegistered bool         `json:"name_registered"`
		FailureKind    failure.Kind `json:"failure_kind,omitempty"`
		RefundEligible bool         `json:"refund_eligible"`

		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

// JobID is stable for a requester and label, so a resubmission finds the
// job created by the first one.
func JobID(requester common.Address, label string) string {
	name := strings.ToLower(requester.Hex()) + "/" + label
	return uuid.NewSHA1(jobNamespace, []byte(name)).String()
}

// Normalize lowercases the label and drops repeated founders, keeping the
// first occurrence of each.
func (r Request) Normalize() Request {
	r.Label = ens.NormalizeLabel(r.Label)

	founders := make([]common.Address, 0, len(r.Founders))
	for _, founder := range r.Founders {
		if !slices.Contains(founders, founder) {
			founders = append(founders, founder)
		}
	}
	r.Founders = founders

	return r
}

func (r Request) Validate() error {
	if err := ens.ValidateLabel(r.Label); err != nil {
		return err
	}
	if r.Requester == (common.Address{}) {
		return failure.New(failure.CodeInvalidInput, failure.KindValidation, "requester is required")
	}
	if len(r.Founders) == 0 {
		return failure.New(failure.CodeInvalidInput, failure.KindValidation, "at least one founder is required")
	}
	if slices.Contains(r.Founders, common.Address{}) {
		return failure.New(failure.CodeInvalidInput, failure.KindValidation, "founders must not contain the zero address")
	}
	if r.Duration < MinDuration {
		return failure.New(failure.CodeInvalidInput, failure.KindValidation, "duration %s is shorter than %s", r.Duration, MinDuration)
	}
	if r.PrepaymentTx == (common.Hash{}) {
		return failure.New(failure.CodeInvalidInput, failure.KindValidation, "prepayment transaction is required")
	}
	return nil
}

func (j Job) ENSName() string { return ens.FullName(j.Request.Label) }

func (j Job) registration(registrant common.Address) ens.Registration {
	return ens.Registration{
		Label:       j.Request.Label,
		Owner:       registrant,
		Secret:      j.Secret,
		Commitment:  j.Commitment,
		CommittedAt: j.CommittedAt,
		State:       ens.StateUnchecked,
	}
}

func (j *Job) applyRegistration(reg ens.Registration) {
	j.Secret = reg.Secret
	j.Commitment = reg.Commitment
	j.CommittedAt = reg.CommittedAt
}
