package orchestrator

import (
	"fmt"

	"github.com/xihreaux01/pixel-art-platform/internal/config"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
)

// Policy holds the refund knobs. Percentages are whole numbers.
type Policy struct {
	PartialRefundCutoffPercent int
	CancelFloorPercent         int
	GoodwillPercent            int
	GoodwillCap                int64
	MaxConsecutiveFailures     int
}

func DefaultPolicy() Policy {
	return Policy{
		PartialRefundCutoffPercent: 90,
		CancelFloorPercent:         50,
		GoodwillPercent:            20,
		GoodwillCap:                5,
		MaxConsecutiveFailures:     5,
	}
}

func PolicyFromConfig(cfg config.Config) Policy {
	p := Policy{
		PartialRefundCutoffPercent: cfg.PartialRefundCutoffPercent,
		CancelFloorPercent:         cfg.CancelFloorPercent,
		GoodwillPercent:            cfg.GoodwillPercent,
		GoodwillCap:                cfg.GoodwillCap,
		MaxConsecutiveFailures:     cfg.MaxConsecutiveFailures,
	}
	if p.MaxConsecutiveFailures <= 0 {
		p.MaxConsecutiveFailures = DefaultPolicy().MaxConsecutiveFailures
	}
	return p
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Proportional is ceil(cost * (1 - completed/estimate)), or zero once completed
// reaches the cutoff share of the estimate.
func (p Policy) Proportional(cost int64, completed, estimate int) int64 {
	if estimate <= 0 || completed <= 0 {
		return cost
	}
	if int64(completed)*100 >= int64(p.PartialRefundCutoffPercent)*int64(estimate) {
		return 0
	}
	return ceilDiv(cost*int64(estimate-completed), int64(estimate))
}

// Goodwill is min(cap, max(1, ceil(cost * percent))).
func (p Policy) Goodwill(cost int64) int64 {
	g := ceilDiv(cost*int64(p.GoodwillPercent), 100)
	if g < 1 {
		g = 1
	}
	if g > p.GoodwillCap {
		g = p.GoodwillCap
	}
	return g
}

// CancelRefund is the proportional refund with the floor applied in the user's favour.
func (p Policy) CancelRefund(cost int64, completed, estimate int) int64 {
	refund := p.Proportional(cost, completed, estimate)
	if floor := ceilDiv(cost*int64(p.CancelFloorPercent), 100); floor > refund {
		refund = floor
	}
	if refund > cost {
		refund = cost
	}
	return refund
}

// Compensate decides the one compensation a job receives at its terminal transition.
// estimate is the tier's soft budget.
func (p Policy) Compensate(job models.Job, estimate int, fault models.Fault, reason string) models.Compensation {
	var amount int64
	switch fault {
	case models.FaultNone:
		amount = 0
	case models.FaultNeverStarted, models.FaultModelQuality:
		amount = job.Cost
	case models.FaultAgentLoss:
		amount = p.Proportional(job.Cost, job.ToolCallsCompleted, estimate)
	case models.FaultPlatform:
		amount = job.Cost + p.Goodwill(job.Cost)
	case models.FaultUserCancelled:
		amount = p.CancelRefund(job.Cost, job.ToolCallsCompleted, estimate)
	default:
		// unknown attribution is treated as ours
		amount = job.Cost + p.Goodwill(job.Cost)
	}

	typ := models.CompensationRefundPartial
	switch {
	case amount <= 0:
		typ, amount = models.CompensationNone, 0
	case amount == job.Cost:
		typ = models.CompensationRefundFull
	case amount > job.Cost:
		typ = models.CompensationGoodwill
	}
	return models.Compensation{Type: typ, Fault: fault, Amount: amount, Reason: reason}
}

// ledgerRow is the single credit row a compensation produces, or nil when nothing is owed.
func ledgerRow(job models.Job, c models.Compensation) *models.CreditTransaction {
	if c.Amount <= 0 || c.Type == models.CompensationNone {
		return nil
	}
	jobID := job.ID
	return &models.CreditTransaction{
		UserID: job.UserID,
		JobID:  &jobID,
		Amount: c.Amount,
		Type:   models.TxnType(c.Type),
		Reason: fmt.Sprintf("%s: %s", c.Fault, c.Reason),
	}
}
