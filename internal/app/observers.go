package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// alertNotifier is the part of notify.Notifier used for arbiter alerts.
type alertNotifier interface {
	CostBasisViolation(ctx context.Context, opp domain.ScoredOpportunity) error
}

// alertObserver forwards cost-basis rejections to the notifier off the
// arbiter's goroutine. Alerts beyond the buffer are dropped.
type alertObserver struct {
	notifier alertNotifier
	alerts   chan domain.ScoredOpportunity
	logger   *slog.Logger
}

func newAlertObserver(n alertNotifier, logger *slog.Logger) *alertObserver {
	return &alertObserver{
		notifier: n,
		alerts:   make(chan domain.ScoredOpportunity, 64),
		logger:   logger.With(slog.String("component", "alerts")),
	}
}

func (o *alertObserver) OnDecision(d domain.Decision) {
	if d.Reason != domain.RejectCostBasisViolation {
		return
	}
	select {
	case o.alerts <- d.Proposal.Opportunity:
	default:
		o.logger.Warn("alert dropped", slog.String("symbol", d.Proposal.Symbol()))
	}
}

func (o *alertObserver) OnRecord(domain.ArbitrationRecord) {}

func (o *alertObserver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case opp := <-o.alerts:
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := o.notifier.CostBasisViolation(sendCtx, opp); err != nil {
				o.logger.WarnContext(ctx, "cost basis alert failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}
