package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/models"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/sirupsen/logrus"
)

// BackorderWatcher retries open auto-fulfill back-orders against current
// inventory on a timer. Supply changes between passes are picked up on the
// next pass; the fulfillment path itself is the same one manual fulfillment
// uses.
type BackorderWatcher struct {
	Logger       *logrus.Logger
	PollInterval time.Duration
}

func NewBackorderWatcher(logger *logrus.Logger) *BackorderWatcher {
	return &BackorderWatcher{
		Logger:       logger,
		PollInterval: config.BackorderWatchInterval(),
	}
}

func (w *BackorderWatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.watchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.PollInterval):
		}
	}
}

func (w *BackorderWatcher) watchOnce(ctx context.Context) {
	businessIds, err := models.BusinessIdsWithOpenBackOrders(ctx)
	if err != nil {
		if w.Logger != nil {
			w.Logger.WithField("field", "BackorderWatcher").Error("listing tenants failed: " + err.Error())
		}
		return
	}

	for _, businessId := range businessIds {
		// Models read the tenant from context, same as request handlers.
		tenantCtx := utils.SetBusinessIdInContext(ctx, businessId)
		fulfilled, err := models.FulfillPendingBackOrders(tenantCtx, businessId)
		if err != nil {
			if w.Logger != nil {
				w.Logger.WithFields(logrus.Fields{
					"field":       "BackorderWatcher",
					"business_id": businessId,
				}).Error("auto-fulfill pass failed: " + err.Error())
			}
			continue
		}
		if fulfilled > 0 && w.Logger != nil {
			w.Logger.WithFields(logrus.Fields{
				"field":       "BackorderWatcher",
				"business_id": businessId,
				"fulfilled":   fulfilled,
			}).Info("back-orders auto-fulfilled")
		}
	}
}
