package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/models"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/sirupsen/logrus"
)

// ReallocationSweeper periodically expires overdue allocations and re-covers
// the freed demand. One instance per process is enough; the per-row status
// guard keeps overlapping instances safe.
type ReallocationSweeper struct {
	Logger       *logrus.Logger
	PollInterval time.Duration
}

func NewReallocationSweeper(logger *logrus.Logger) *ReallocationSweeper {
	return &ReallocationSweeper{
		Logger:       logger,
		PollInterval: config.ReallocationSweepInterval(),
	}
}

func (s *ReallocationSweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

func (s *ReallocationSweeper) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	businessIds, err := models.BusinessIdsWithExpiringAllocations(ctx, now)
	if err != nil {
		if s.Logger != nil {
			s.Logger.WithField("field", "ReallocationSweeper").Error("listing tenants failed: " + err.Error())
		}
		return
	}

	for _, businessId := range businessIds {
		tenantCtx := utils.SetBusinessIdInContext(ctx, businessId)
		result, err := models.SweepExpiredAllocations(tenantCtx, businessId, now)
		if err != nil {
			if s.Logger != nil {
				s.Logger.WithFields(logrus.Fields{
					"field":       "ReallocationSweeper",
					"business_id": businessId,
				}).Error("sweep failed: " + err.Error())
			}
			continue
		}
		if result.Expired > 0 && s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":       "ReallocationSweeper",
				"business_id": businessId,
				"scanned":     result.Scanned,
				"expired":     result.Expired,
				"reallocated": result.Reallocated,
				"shortfalls":  result.Shortfalls,
			}).Info("expired allocations swept")
		}
	}
}
