package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func unit(id int, received time.Time, expires *time.Time, available int64) InventoryUnit {
	return InventoryUnit{
		ID:           id,
		ReceivedAt:   received,
		ExpiresAt:    expires,
		QtyAvailable: decimal.NewFromInt(available),
	}
}

func planIds(plan *AllocationPlan) []int {
	ids := make([]int, 0, len(plan.Lines))
	for _, line := range plan.Lines {
		ids = append(ids, line.Unit.ID)
	}
	return ids
}

func TestRankUnitsFifoOldestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	units := []InventoryUnit{
		unit(3, base.Add(48*time.Hour), nil, 5),
		unit(1, base, nil, 5),
		unit(2, base.Add(24*time.Hour), nil, 5),
	}

	ranked := AllocationStrategyFifo.rankUnits(units)
	if ranked[0].ID != 1 || ranked[1].ID != 2 || ranked[2].ID != 3 {
		t.Fatalf("fifo order = %v, want [1 2 3]", []int{ranked[0].ID, ranked[1].ID, ranked[2].ID})
	}
}

func TestRankUnitsLifoNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	units := []InventoryUnit{
		unit(1, base, nil, 5),
		unit(2, base.Add(24*time.Hour), nil, 5),
		unit(3, base.Add(48*time.Hour), nil, 5),
	}

	ranked := AllocationStrategyLifo.rankUnits(units)
	if ranked[0].ID != 3 || ranked[1].ID != 2 || ranked[2].ID != 1 {
		t.Fatalf("lifo order = %v, want [3 2 1]", []int{ranked[0].ID, ranked[1].ID, ranked[2].ID})
	}
}

func TestRankUnitsFefoNilExpiryLast(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e1 := base.Add(24 * time.Hour)
	e2 := base.Add(72 * time.Hour)
	units := []InventoryUnit{
		unit(1, base, nil, 5),
		unit(2, base, &e2, 5),
		unit(3, base, &e1, 5),
	}

	ranked := AllocationStrategyFefo.rankUnits(units)
	if ranked[0].ID != 3 || ranked[1].ID != 2 || ranked[2].ID != 1 {
		t.Fatalf("fefo order = %v, want [3 2 1]", []int{ranked[0].ID, ranked[1].ID, ranked[2].ID})
	}
}

func TestRankUnitsTieBreakAscendingId(t *testing.T) {
	received := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	units := []InventoryUnit{
		unit(9, received, nil, 5),
		unit(2, received, nil, 5),
		unit(5, received, nil, 5),
	}

	ranked := AllocationStrategyFifo.rankUnits(units)
	if ranked[0].ID != 2 || ranked[1].ID != 5 || ranked[2].ID != 9 {
		t.Fatalf("tie-break order = %v, want [2 5 9]", []int{ranked[0].ID, ranked[1].ID, ranked[2].ID})
	}
}

func TestBuildPlanFifoGreedyConsumption(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	units := []InventoryUnit{
		unit(1, base, nil, 5),
		unit(2, base.Add(24*time.Hour), nil, 5),
		unit(3, base.Add(48*time.Hour), nil, 5),
	}

	plan := buildPlan(AllocationStrategyFifo.rankUnits(units), decimal.NewFromInt(8), AllocationStrategyFifo)

	if got := planIds(plan); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("plan units = %v, want [1 2]", got)
	}
	if !plan.Lines[0].Qty.Equal(decimal.NewFromInt(5)) || !plan.Lines[1].Qty.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("plan qtys = [%s %s], want [5 3]", plan.Lines[0].Qty, plan.Lines[1].Qty)
	}
	if !plan.FullyCovered {
		t.Fatal("plan should be fully covered")
	}
}

func TestBuildPlanFefoSplitsAcrossExpiries(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e1 := base.Add(24 * time.Hour)
	e2 := base.Add(72 * time.Hour)
	units := []InventoryUnit{
		unit(2, base, &e2, 10),
		unit(1, base, &e1, 3),
	}

	plan := buildPlan(AllocationStrategyFefo.rankUnits(units), decimal.NewFromInt(5), AllocationStrategyFefo)

	if got := planIds(plan); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("plan units = %v, want [1 2]", got)
	}
	if !plan.Lines[0].Qty.Equal(decimal.NewFromInt(3)) || !plan.Lines[1].Qty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("plan qtys = [%s %s], want [3 2]", plan.Lines[0].Qty, plan.Lines[1].Qty)
	}
}

func TestBuildPlanPartialCover(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	units := []InventoryUnit{
		unit(1, base, nil, 7),
		unit(2, base.Add(time.Hour), nil, 5),
	}

	plan := buildPlan(AllocationStrategyFifo.rankUnits(units), decimal.NewFromInt(20), AllocationStrategyFifo)

	if plan.FullyCovered {
		t.Fatal("partial cover must not report FullyCovered")
	}
	if !plan.PlannedQty.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("planned = %s, want 12", plan.PlannedQty)
	}
	if !plan.ShortfallQty().Equal(decimal.NewFromInt(8)) {
		t.Fatalf("shortfall = %s, want 8", plan.ShortfallQty())
	}
}

func TestBuildPlanSkipsDrainedUnits(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	units := []InventoryUnit{
		unit(1, base, nil, 0),
		unit(2, base.Add(time.Hour), nil, 4),
	}

	plan := buildPlan(AllocationStrategyFifo.rankUnits(units), decimal.NewFromInt(4), AllocationStrategyFifo)

	if got := planIds(plan); len(got) != 1 || got[0] != 2 {
		t.Fatalf("plan units = %v, want [2]", got)
	}
}

func TestParseAllocationStrategy(t *testing.T) {
	for _, s := range []string{"fifo", "lifo", "fefo", "manual"} {
		if _, err := ParseAllocationStrategy(s); err != nil {
			t.Fatalf("ParseAllocationStrategy(%q): %v", s, err)
		}
	}
	if _, err := ParseAllocationStrategy("random"); err == nil {
		t.Fatal("unknown strategy must be rejected")
	}
}

func TestAllocationStatusTerminality(t *testing.T) {
	if AllocationStatusAllocated.IsTerminal() {
		t.Fatal("Allocated is not terminal")
	}
	for _, s := range []AllocationStatus{AllocationStatusPicked, AllocationStatusCancelled, AllocationStatusExpired} {
		if !s.IsTerminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
}
