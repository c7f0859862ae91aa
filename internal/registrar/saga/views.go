package saga

import (
	"context"
	"time"

	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/ethereum/go-ethereum/common"
)

const (
	ViewInProgress = "in_progress"
	ViewFailed     = "failed"
	ViewCancelled  = "cancelled"
	ViewCompleted  = "completed"
)

// PendingView is the requester-facing summary of a job that has no
// confirmed company yet.
type PendingView struct {
	JobID          string           `json:"job_id" yaml:"job_id"`
	ENSName        string           `json:"ens_name" yaml:"ens_name"`
	Step           Step             `json:"step" yaml:"step"`
	Status         string           `json:"status" yaml:"status"`
	Reason         string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	RefundEligible bool             `json:"refund_eligible" yaml:"refund_eligible"`
	Treasury       common.Address   `json:"treasury" yaml:"treasury"`
	Founders       []common.Address `json:"founders" yaml:"founders"`
	Threshold      int              `json:"threshold" yaml:"threshold"`
	UpdatedAt      time.Time        `json:"updated_at" yaml:"updated_at"`
}

func (o *Orchestrator) PendingViews(ctx context.Context, requester common.Address) ([]PendingView, error) {
	jobs, err := o.List(ctx, requester)
	if err != nil {
		return nil, err
	}

	views := make([]PendingView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, ViewOf(job))
	}
	return views, nil
}

func ViewOf(job Job) PendingView {
	view := PendingView{
		JobID:          job.ID,
		ENSName:        job.ENSName(),
		Step:           job.Step,
		Status:         ViewInProgress,
		RefundEligible: job.RefundEligible,
		Treasury:       job.Treasury,
		Founders:       job.Request.Founders,
		Threshold:      job.Threshold,
		UpdatedAt:      job.UpdatedAt,
	}

	switch job.Status {
	case StatusFailed:
		view.Status = ViewFailed
	case StatusCancelled:
		view.Status = ViewCancelled
	case StatusCompleted:
		view.Status = ViewCompleted
	}
	if job.LastError != nil && job.Status.Terminal() {
		view.Reason = failure.Reason(job.LastError.Code)
	}

	return view
}
