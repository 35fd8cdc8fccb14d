package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"gorm.io/gorm"
)

// SweepResult summarizes one pass of the expiry sweep.
type SweepResult struct {
	Scanned     int `json:"scanned"`
	Expired     int `json:"expired"`
	Reallocated int `json:"reallocated"`
	Shortfalls  int `json:"shortfalls"`
}

// SweepExpiredAllocations releases every Allocated reservation whose
// ExpiresAt has passed and immediately tries to re-cover the freed demand
// with the order line's original strategy. Each allocation is handled in its
// own transaction so one poisoned row cannot stall the pass, and the status
// guard inside releaseAllocationTx makes re-running the sweep over the same
// rows harmless.
func SweepExpiredAllocations(ctx context.Context, businessId string, now time.Time) (SweepResult, error) {
	var result SweepResult

	db := config.GetDB()
	logger := config.GetLogger()

	var candidates []Allocation
	if err := db.WithContext(ctx).
		Where("business_id = ? AND current_status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			businessId, AllocationStatusAllocated, now).
		Order("expires_at asc").
		Find(&candidates).Error; err != nil {
		return result, err
	}
	result.Scanned = len(candidates)

	for _, candidate := range candidates {
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return releaseAllocationTx(ctx, tx, businessId, candidate.ID, AllocationStatusExpired)
		})
		if errors.Is(err, ErrAllocationNotPickable) {
			// Raced with a pick or an earlier sweep; nothing to do.
			continue
		}
		if err != nil {
			config.LogError(logger, "reallocation", "SweepExpiredAllocations", "expire", candidate.ID, err)
			continue
		}
		result.Expired++

		covered, err := reallocateDetail(ctx, businessId, candidate.SalesOrderDetailId, candidate.AllocationType)
		if err != nil {
			config.LogError(logger, "reallocation", "SweepExpiredAllocations", "reallocate", candidate.ID, err)
			continue
		}
		if covered {
			result.Reallocated++
		} else {
			result.Shortfalls++
		}
	}

	return result, nil
}

// reallocateDetail re-runs selection and commit for a line's outstanding
// quantity. Returns whether the demand was fully covered; a shortfall is a
// report, not an error.
func reallocateDetail(ctx context.Context, businessId string, detailId int, strategy AllocationStrategy) (bool, error) {
	if detailId <= 0 {
		return true, nil
	}

	db := config.GetDB()

	covered := true
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		detail, err := lockSalesOrderDetail(tx, businessId, detailId)
		if err != nil {
			return err
		}
		outstanding, err := detailOutstandingQty(tx, detail)
		if err != nil {
			return err
		}
		if !outstanding.IsPositive() {
			return nil
		}

		var order SalesOrder
		if err := tx.Where("business_id = ?", businessId).First(&order, detail.SalesOrderId).Error; err != nil {
			return err
		}

		plan, err := selectInventoryTx(tx, businessId, detail.ProductId, order.WarehouseId, outstanding, strategy, nil)
		if errors.Is(err, ErrNoInventoryAvailable) {
			covered = false
			return nil
		}
		if err != nil {
			return err
		}
		plan.SalesOrderId = order.ID
		plan.SalesOrderDetailId = detail.ID

		if _, err := commitAllocationTx(ctx, tx, businessId, 0, plan); err != nil {
			return err
		}
		covered = plan.FullyCovered
		return nil
	})
	return covered, err
}

// BusinessIdsWithExpiringAllocations lists the tenants the sweeper needs to
// visit this pass.
func BusinessIdsWithExpiringAllocations(ctx context.Context, now time.Time) ([]string, error) {
	db := config.GetDB()
	var businessIds []string
	err := db.WithContext(ctx).
		Model(&Allocation{}).
		Where("current_status = ? AND expires_at IS NOT NULL AND expires_at <= ?", AllocationStatusAllocated, now).
		Distinct().
		Pluck("business_id", &businessIds).Error
	return businessIds, err
}
