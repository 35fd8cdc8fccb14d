package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SelectionConstraints narrow the candidate set before ranking. All fields
// are optional except for the manual strategy, which requires a pinned unit
// (location plus lot or serial).
type SelectionConstraints struct {
	LocationId    *int       `json:"location_id"`
	LotNumber     *string    `json:"lot_number"`
	SerialNumber  *string    `json:"serial_number"`
	ExpiresBefore *time.Time `json:"expires_before"`
}

// AllocationPlanLine is one (unit, qty) pair of a consumption plan.
type AllocationPlanLine struct {
	Unit InventoryUnit   `json:"unit"`
	Qty  decimal.Decimal `json:"qty"`
}

// AllocationPlan is the selector's output: a ranked consumption plan covering
// as much of the requested quantity as availability allows. The plan holds no
// reservation; committing it is a separate atomic step (see CommitAllocation).
type AllocationPlan struct {
	BusinessId         string               `json:"business_id"`
	ProductId          int                  `json:"product_id"`
	WarehouseId        int                  `json:"warehouse_id"`
	Strategy           AllocationStrategy   `json:"strategy"`
	RequestedQty       decimal.Decimal      `json:"requested_qty"`
	PlannedQty         decimal.Decimal      `json:"planned_qty"`
	FullyCovered       bool                 `json:"fully_covered"`
	Lines              []AllocationPlanLine `json:"lines"`
	SalesOrderId       int                  `json:"sales_order_id"`
	SalesOrderDetailId int                  `json:"sales_order_detail_id"`
	ExpiresAt          *time.Time           `json:"expires_at"`
}

// ShortfallQty is the requested quantity the plan could not cover.
func (p *AllocationPlan) ShortfallQty() decimal.Decimal {
	return p.RequestedQty.Sub(p.PlannedQty)
}

// rankUnits orders candidates for greedy consumption. Ties within an
// identical rank key fall back to ascending unit ID for determinism.
func (s AllocationStrategy) rankUnits(units []InventoryUnit) []InventoryUnit {
	less := s.rankLess()
	if less == nil {
		// manual: the caller pinned the unit via constraints, no ranking.
		return units
	}
	ranked := make([]InventoryUnit, len(units))
	copy(ranked, units)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := &ranked[i], &ranked[j]
		if less(a, b) {
			return true
		}
		if less(b, a) {
			return false
		}
		return a.ID < b.ID
	})
	return ranked
}

// rankLess returns the strict ordering for one strategy variant.
func (s AllocationStrategy) rankLess() func(a, b *InventoryUnit) bool {
	switch s {
	case AllocationStrategyFifo:
		// oldest stock first
		return func(a, b *InventoryUnit) bool { return a.ReceivedAt.Before(b.ReceivedAt) }
	case AllocationStrategyLifo:
		// newest stock first
		return func(a, b *InventoryUnit) bool { return b.ReceivedAt.Before(a.ReceivedAt) }
	case AllocationStrategyFefo:
		// soonest-expiring first; units without expiry sort last
		return func(a, b *InventoryUnit) bool {
			switch {
			case a.ExpiresAt == nil:
				return false
			case b.ExpiresAt == nil:
				return true
			default:
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
		}
	}
	return nil
}

// buildPlan consumes ranked candidates greedily: min(available, remaining)
// from each until the need is met or candidates run out. Pure; no side effects.
func buildPlan(units []InventoryUnit, qtyNeeded decimal.Decimal, strategy AllocationStrategy) *AllocationPlan {
	plan := &AllocationPlan{
		Strategy:     strategy,
		RequestedQty: qtyNeeded,
		PlannedQty:   decimal.Zero,
	}

	remaining := qtyNeeded
	for i := range units {
		if !remaining.IsPositive() {
			break
		}
		available := units[i].QtyAvailable
		if !available.IsPositive() {
			continue
		}
		take := available
		if remaining.Cmp(available) < 0 {
			take = remaining
		}
		plan.Lines = append(plan.Lines, AllocationPlanLine{Unit: units[i], Qty: take})
		plan.PlannedQty = plan.PlannedQty.Add(take)
		remaining = remaining.Sub(take)
	}

	plan.FullyCovered = plan.PlannedQty.Cmp(qtyNeeded) >= 0
	return plan
}

// SelectInventory produces a consumption plan for the requested quantity
// under the given strategy. Read-only: it holds no locks and reserves
// nothing. A partial cover is a valid result (FullyCovered=false), not an
// error; only an empty candidate set fails.
func SelectInventory(ctx context.Context, productId int, warehouseId int, qtyNeeded decimal.Decimal, strategy AllocationStrategy, constraints *SelectionConstraints) (*AllocationPlan, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if !qtyNeeded.IsPositive() {
		return nil, errors.New("quantity needed must be positive")
	}
	if _, err := ParseAllocationStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if strategy == AllocationStrategyManual {
		if constraints == nil || constraints.LocationId == nil {
			return nil, errors.New("manual allocation requires a pinned location")
		}
	}

	db := config.GetDB()
	return selectInventoryTx(db.WithContext(ctx), businessId, productId, warehouseId, qtyNeeded, strategy, constraints)
}

// selectInventoryTx runs the candidate query on the given handle so that
// fulfillment paths already inside a transaction plan against the state that
// transaction sees.
func selectInventoryTx(tx *gorm.DB, businessId string, productId int, warehouseId int, qtyNeeded decimal.Decimal, strategy AllocationStrategy, constraints *SelectionConstraints) (*AllocationPlan, error) {

	if !qtyNeeded.IsPositive() {
		return nil, errors.New("quantity needed must be positive")
	}
	if _, err := ParseAllocationStrategy(string(strategy)); err != nil {
		return nil, err
	}

	query := tx.
		Where("business_id = ? AND product_id = ? AND warehouse_id = ?", businessId, productId, warehouseId).
		Where("qty_available > 0")

	if constraints != nil {
		if constraints.LocationId != nil {
			query = query.Where("location_id = ?", *constraints.LocationId)
		}
		if constraints.LotNumber != nil {
			query = query.Where("lot_number = ?", *constraints.LotNumber)
		}
		if constraints.SerialNumber != nil {
			query = query.Where("serial_number = ?", *constraints.SerialNumber)
		}
		if constraints.ExpiresBefore != nil {
			query = query.Where("expires_at IS NOT NULL AND expires_at < ?", *constraints.ExpiresBefore)
		}
	}

	var units []InventoryUnit
	if err := query.Find(&units).Error; err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrNoInventoryAvailable
	}

	plan := buildPlan(strategy.rankUnits(units), qtyNeeded, strategy)
	plan.BusinessId = businessId
	plan.ProductId = productId
	plan.WarehouseId = warehouseId
	return plan, nil
}
