package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/models"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// testEnv spins up throwaway MySQL+Redis containers and returns a context
// scoped to a fresh tenant. Requires docker; gated on INTEGRATION_TESTS=1.
func testEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "outbound_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetBusinessIdInContext(ctx, uuid.NewString())
	return ctx
}

type fixture struct {
	Warehouse *models.Warehouse
	Location  *models.Location
	Product   *models.Product
}

func setupFixture(t *testing.T, ctx context.Context) fixture {
	t.Helper()

	warehouse, err := models.CreateWarehouse(ctx, &models.NewWarehouse{Name: "Main DC"})
	if err != nil {
		t.Fatalf("CreateWarehouse: %v", err)
	}
	location, err := models.CreateLocation(ctx, &models.NewLocation{WarehouseId: warehouse.ID, Code: "A-01-01"})
	if err != nil {
		t.Fatalf("CreateLocation: %v", err)
	}
	product, err := models.CreateProduct(ctx, &models.NewProduct{Name: "Widget", Sku: "WID-001"})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	return fixture{Warehouse: warehouse, Location: location, Product: product}
}

func receive(t *testing.T, ctx context.Context, fx fixture, qty int64, receivedAt time.Time) *models.InventoryUnit {
	t.Helper()
	unit, err := models.ReceiveInventory(ctx, &models.NewInventoryReceipt{
		WarehouseId: fx.Warehouse.ID,
		LocationId:  fx.Location.ID,
		ProductId:   fx.Product.ID,
		Qty:         decimal.NewFromInt(qty),
		ReceivedAt:  &receivedAt,
	})
	if err != nil {
		t.Fatalf("ReceiveInventory: %v", err)
	}
	return unit
}

func orderOneLine(t *testing.T, ctx context.Context, fx fixture, qty int64) (*models.SalesOrder, *models.SalesOrderDetail) {
	t.Helper()
	order, err := models.CreateSalesOrder(ctx, &models.NewSalesOrder{
		WarehouseId: fx.Warehouse.ID,
		OrderDate:   time.Now().UTC(),
		Details: []models.NewSalesOrderDetail{
			{ProductId: fx.Product.ID, DetailQty: decimal.NewFromInt(qty), AllocationType: "fifo"},
		},
	})
	if err != nil {
		t.Fatalf("CreateSalesOrder: %v", err)
	}
	order, err = models.GetSalesOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetSalesOrder: %v", err)
	}
	if len(order.Details) != 1 {
		t.Fatalf("order has %d details, want 1", len(order.Details))
	}
	return order, &order.Details[0]
}

func TestAllocationCommitPickLifecycle(t *testing.T) {
	ctx := testEnv(t)
	fx := setupFixture(t, ctx)
	unit := receive(t, ctx, fx, 10, time.Now().UTC().Add(-24*time.Hour))
	_, detail := orderOneLine(t, ctx, fx, 8)

	allocations, backOrder, err := models.AllocateSalesOrderDetail(ctx, detail.ID, nil)
	if err != nil {
		t.Fatalf("AllocateSalesOrderDetail: %v", err)
	}
	if backOrder != nil {
		t.Fatalf("unexpected back-order for fully covered demand: %+v", backOrder)
	}
	if len(allocations) != 1 {
		t.Fatalf("got %d allocations, want 1", len(allocations))
	}
	allocation := allocations[0]

	unitAfter, err := models.GetInventoryUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetInventoryUnit: %v", err)
	}
	if !unitAfter.QtyReserved.Equal(decimal.NewFromInt(8)) || !unitAfter.QtyAvailable.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("after commit reserved=%s available=%s, want 8/2", unitAfter.QtyReserved, unitAfter.QtyAvailable)
	}

	// Partial pick keeps the allocation live.
	picked, err := models.PickAllocation(ctx, allocation.ID, decimal.NewFromInt(5))
	if err != nil {
		t.Fatalf("PickAllocation(5): %v", err)
	}
	if picked.CurrentStatus != models.AllocationStatusAllocated {
		t.Fatalf("after partial pick status = %s, want Allocated", picked.CurrentStatus)
	}

	// Over-pick of the remainder must be rejected.
	if _, err := models.PickAllocation(ctx, allocation.ID, decimal.NewFromInt(4)); err != models.ErrInvalidPickQuantity {
		t.Fatalf("over-pick error = %v, want ErrInvalidPickQuantity", err)
	}

	// Full pick is terminal.
	picked, err = models.PickAllocation(ctx, allocation.ID, decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("PickAllocation(3): %v", err)
	}
	if picked.CurrentStatus != models.AllocationStatusPicked {
		t.Fatalf("after full pick status = %s, want Picked", picked.CurrentStatus)
	}

	unitAfter, _ = models.GetInventoryUnit(ctx, unit.ID)
	if !unitAfter.QtyOnHand.Equal(decimal.NewFromInt(2)) || !unitAfter.QtyReserved.IsZero() {
		t.Fatalf("after pick on_hand=%s reserved=%s, want 2/0", unitAfter.QtyOnHand, unitAfter.QtyReserved)
	}

	// Terminal allocations never mutate again.
	if _, err := models.PickAllocation(ctx, allocation.ID, decimal.NewFromInt(1)); err != models.ErrAllocationNotPickable {
		t.Fatalf("pick on terminal = %v, want ErrAllocationNotPickable", err)
	}
	if err := models.CancelAllocation(ctx, allocation.ID); err != models.ErrAllocationNotPickable {
		t.Fatalf("cancel on terminal = %v, want ErrAllocationNotPickable", err)
	}
}

func TestCancelAllocationRestoresAvailability(t *testing.T) {
	ctx := testEnv(t)
	fx := setupFixture(t, ctx)
	unit := receive(t, ctx, fx, 5, time.Now().UTC())
	_, detail := orderOneLine(t, ctx, fx, 5)

	allocations, _, err := models.AllocateSalesOrderDetail(ctx, detail.ID, nil)
	if err != nil {
		t.Fatalf("AllocateSalesOrderDetail: %v", err)
	}

	if err := models.CancelAllocation(ctx, allocations[0].ID); err != nil {
		t.Fatalf("CancelAllocation: %v", err)
	}

	unitAfter, _ := models.GetInventoryUnit(ctx, unit.ID)
	if !unitAfter.QtyAvailable.Equal(decimal.NewFromInt(5)) || !unitAfter.QtyReserved.IsZero() {
		t.Fatalf("after cancel available=%s reserved=%s, want 5/0", unitAfter.QtyAvailable, unitAfter.QtyReserved)
	}

	// Cancel with picked quantity must be refused.
	allocations, _, err = models.AllocateSalesOrderDetail(ctx, detail.ID, nil)
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if _, err := models.PickAllocation(ctx, allocations[0].ID, decimal.NewFromInt(1)); err != nil {
		t.Fatalf("PickAllocation: %v", err)
	}
	if err := models.CancelAllocation(ctx, allocations[0].ID); err != models.ErrAllocationHasPickedQty {
		t.Fatalf("cancel with picked qty = %v, want ErrAllocationHasPickedQty", err)
	}
}

func TestConcurrentCommitOnlyOneWins(t *testing.T) {
	ctx := testEnv(t)
	fx := setupFixture(t, ctx)
	receive(t, ctx, fx, 5, time.Now().UTC())

	order, _ := orderOneLine(t, ctx, fx, 5)

	// Two plans over the same single unit, each wanting all of it.
	planA, err := models.SelectInventory(ctx, fx.Product.ID, fx.Warehouse.ID, decimal.NewFromInt(5), models.AllocationStrategyFifo, nil)
	if err != nil {
		t.Fatalf("SelectInventory A: %v", err)
	}
	planB, err := models.SelectInventory(ctx, fx.Product.ID, fx.Warehouse.ID, decimal.NewFromInt(5), models.AllocationStrategyFifo, nil)
	if err != nil {
		t.Fatalf("SelectInventory B: %v", err)
	}
	planA.SalesOrderId = order.ID
	planA.SalesOrderDetailId = order.Details[0].ID
	planB.SalesOrderId = order.ID
	planB.SalesOrderDetailId = order.Details[0].ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, plan := range []*models.AllocationPlan{planA, planB} {
		wg.Add(1)
		go func(i int, plan *models.AllocationPlan) {
			defer wg.Done()
			_, errs[i] = models.CommitAllocation(ctx, plan)
		}(i, plan)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("commit successes = %d (errs=%v), want exactly 1", successes, errs)
	}

	// The reservation never over-commits the unit.
	availability, err := models.GetProductAvailability(ctx, fx.Product.ID, fx.Warehouse.ID)
	if err != nil {
		t.Fatalf("GetProductAvailability: %v", err)
	}
	if !availability.QtyReserved.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("reserved = %s, want 5", availability.QtyReserved)
	}
	if availability.QtyAvailable.IsNegative() {
		t.Fatalf("available went negative: %s", availability.QtyAvailable)
	}
}

func TestSweepExpiredAllocationsIsIdempotent(t *testing.T) {
	ctx := testEnv(t)
	fx := setupFixture(t, ctx)
	unit := receive(t, ctx, fx, 5, time.Now().UTC())
	_, detail := orderOneLine(t, ctx, fx, 5)

	expired := time.Now().UTC().Add(-time.Minute)
	allocations, _, err := models.AllocateSalesOrderDetail(ctx, detail.ID, &expired)
	if err != nil {
		t.Fatalf("AllocateSalesOrderDetail: %v", err)
	}
	staleId := allocations[0].ID

	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	result, err := models.SweepExpiredAllocations(ctx, businessId, time.Now().UTC())
	if err != nil {
		t.Fatalf("SweepExpiredAllocations: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expired = %d, want 1", result.Expired)
	}
	if result.Reallocated != 1 {
		// Freed stock should immediately re-cover the same line.
		t.Fatalf("reallocated = %d, want 1", result.Reallocated)
	}

	stale, err := models.GetAllocation(ctx, staleId)
	if err != nil {
		t.Fatalf("GetAllocation: %v", err)
	}
	if stale.CurrentStatus != models.AllocationStatusExpired {
		t.Fatalf("stale status = %s, want Expired", stale.CurrentStatus)
	}

	// The replacement allocation carries no expiry, so a second pass finds
	// nothing and changes nothing.
	again, err := models.SweepExpiredAllocations(ctx, businessId, time.Now().UTC())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Expired != 0 {
		t.Fatalf("second sweep expired = %d, want 0", again.Expired)
	}

	unitAfter, _ := models.GetInventoryUnit(ctx, unit.ID)
	if !unitAfter.QtyReserved.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("after sweep reserved = %s, want 5 (re-covered)", unitAfter.QtyReserved)
	}
}

func TestBackOrderLifecycle(t *testing.T) {
	ctx := testEnv(t)
	fx := setupFixture(t, ctx)
	_, detail := orderOneLine(t, ctx, fx, 5)

	// No supply yet: a shortfall back-order, no auto-fulfill.
	backOrder, err := models.CreateBackOrder(ctx, &models.NewBackOrder{
		SalesOrderDetailId: detail.ID,
		Qty:                decimal.NewFromInt(5),
		Priority:           models.BackOrderPriorityHigh,
		Reason:             "no stock at allocation",
		AutoFulfill:        utils.NewFalse(),
	})
	if err != nil {
		t.Fatalf("CreateBackOrder: %v", err)
	}
	if !strings.HasPrefix(backOrder.BackOrderNumber, fmt.Sprintf("BO-%d-", time.Now().UTC().Year())) {
		t.Fatalf("unexpected back-order number %q", backOrder.BackOrderNumber)
	}

	order, _ := models.GetSalesOrder(ctx, detail.SalesOrderId)
	if order.Details[0].CurrentStatus != models.SalesOrderDetailStatusBackordered {
		t.Fatalf("detail status = %s, want Backordered", order.Details[0].CurrentStatus)
	}
	if !order.Details[0].BackorderQty.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("detail backorder qty = %s, want 5", order.Details[0].BackorderQty)
	}

	// Fulfill before supply exists fails cleanly.
	if _, err := models.FulfillBackOrder(ctx, backOrder.ID, decimal.NewFromInt(5), 0); err != models.ErrNoInventoryAvailable && err != models.ErrInsufficientInventory {
		t.Fatalf("fulfill without stock = %v, want no-inventory error", err)
	}

	receive(t, ctx, fx, 10, time.Now().UTC())

	partial, err := models.FulfillBackOrder(ctx, backOrder.ID, decimal.NewFromInt(3), 0)
	if err != nil {
		t.Fatalf("FulfillBackOrder(3): %v", err)
	}
	if partial.CurrentStatus != models.BackOrderStatusPartiallyFulfilled {
		t.Fatalf("status = %s, want PartiallyFulfilled", partial.CurrentStatus)
	}
	if !partial.RemainingQty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("remaining = %s, want 2", partial.RemainingQty)
	}

	full, err := models.FulfillBackOrder(ctx, backOrder.ID, decimal.NewFromInt(2), 0)
	if err != nil {
		t.Fatalf("FulfillBackOrder(2): %v", err)
	}
	if full.CurrentStatus != models.BackOrderStatusFulfilled || full.FulfilledAt == nil {
		t.Fatalf("status = %s fulfilledAt = %v, want Fulfilled with timestamp", full.CurrentStatus, full.FulfilledAt)
	}

	order, _ = models.GetSalesOrder(ctx, detail.SalesOrderId)
	if !order.Details[0].BackorderQty.IsZero() {
		t.Fatalf("detail backorder qty = %s, want 0", order.Details[0].BackorderQty)
	}

	// Over-fulfill and double-cancel guards.
	if _, err := models.FulfillBackOrder(ctx, backOrder.ID, decimal.NewFromInt(1), 0); err == nil {
		t.Fatal("fulfilling a fulfilled back-order must fail")
	}
}

func TestCancelBackOrderReleasesTiedReservations(t *testing.T) {
	ctx := testEnv(t)
	fx := setupFixture(t, ctx)
	unit := receive(t, ctx, fx, 10, time.Now().UTC())
	_, detail := orderOneLine(t, ctx, fx, 6)

	backOrder, err := models.CreateBackOrder(ctx, &models.NewBackOrder{
		SalesOrderDetailId: detail.ID,
		Qty:                decimal.NewFromInt(6),
		AutoFulfill:        utils.NewFalse(),
	})
	if err != nil {
		t.Fatalf("CreateBackOrder: %v", err)
	}
	if _, err := models.FulfillBackOrder(ctx, backOrder.ID, decimal.NewFromInt(4), 0); err != nil {
		t.Fatalf("FulfillBackOrder: %v", err)
	}

	cancelled, err := models.CancelBackOrder(ctx, backOrder.ID, "customer gave up")
	if err != nil {
		t.Fatalf("CancelBackOrder: %v", err)
	}
	if cancelled.CurrentStatus != models.BackOrderStatusCancelled {
		t.Fatalf("status = %s, want Cancelled", cancelled.CurrentStatus)
	}

	// Reservations created for this back-order are released again.
	unitAfter, _ := models.GetInventoryUnit(ctx, unit.ID)
	if !unitAfter.QtyReserved.IsZero() {
		t.Fatalf("after cancel reserved = %s, want 0", unitAfter.QtyReserved)
	}

	if _, err := models.CancelBackOrder(ctx, backOrder.ID, "again"); err != models.ErrBackOrderAlreadyCancelled {
		t.Fatalf("double cancel = %v, want ErrBackOrderAlreadyCancelled", err)
	}
}

func TestTenantScopeGuard(t *testing.T) {
	ctx := testEnv(t)
	setupFixture(t, ctx)

	// A second tenant must not see the first tenant's rows, even through a
	// query that forgets the explicit business_id filter.
	otherCtx := utils.SetBusinessIdInContext(context.Background(), uuid.NewString())
	var leaked []models.Product
	if err := config.GetDB().WithContext(otherCtx).Find(&leaked).Error; err != nil {
		t.Fatalf("cross-tenant query: %v", err)
	}
	if len(leaked) != 0 {
		t.Fatalf("tenant scoping leaked %d products across tenants", len(leaked))
	}

	// Explicit bypass sees everything.
	adminCtx := utils.SetSkipTenantScopeInContext(context.Background(), true)
	var all []models.Product
	if err := config.GetDB().WithContext(adminCtx).Find(&all).Error; err != nil {
		t.Fatalf("bypass query: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("tenant-scope bypass returned no rows")
	}
}

func TestPackCartonNumbering(t *testing.T) {
	ctx := testEnv(t)
	fx := setupFixture(t, ctx)
	receive(t, ctx, fx, 10, time.Now().UTC())
	order, detail := orderOneLine(t, ctx, fx, 6)

	allocations, _, err := models.AllocateSalesOrderDetail(ctx, detail.ID, nil)
	if err != nil {
		t.Fatalf("AllocateSalesOrderDetail: %v", err)
	}
	if _, err := models.PickAllocation(ctx, allocations[0].ID, decimal.NewFromInt(6)); err != nil {
		t.Fatalf("PickAllocation: %v", err)
	}

	shipment, err := models.CreateShipment(ctx, &models.NewShipment{SalesOrderId: order.ID})
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}

	carton := func(qty int64) *models.NewCarton {
		return &models.NewCarton{Items: []models.NewCartonItem{
			{AllocationId: allocations[0].ID, Qty: decimal.NewFromInt(qty)},
		}}
	}

	// Concurrent packs of one shipment must never collide on a carton code.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = models.PackCarton(ctx, shipment.ID, carton(2))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent PackCarton %d: %v", i, err)
		}
	}
	if _, err := models.PackCarton(ctx, shipment.ID, carton(2)); err != nil {
		t.Fatalf("third PackCarton: %v", err)
	}

	packed, err := models.GetShipment(ctx, shipment.ID)
	if err != nil {
		t.Fatalf("GetShipment: %v", err)
	}
	if len(packed.Cartons) != 3 {
		t.Fatalf("shipment has %d cartons, want 3", len(packed.Cartons))
	}
	seen := map[string]bool{}
	for _, c := range packed.Cartons {
		if !strings.HasPrefix(c.CartonNumber, shipment.ShipmentNumber+"-C") {
			t.Fatalf("carton number %q not derived from shipment number %q", c.CartonNumber, shipment.ShipmentNumber)
		}
		if seen[c.CartonNumber] {
			t.Fatalf("duplicate carton number %q", c.CartonNumber)
		}
		seen[c.CartonNumber] = true
	}
	for _, want := range []string{"-C01", "-C02", "-C03"} {
		if !seen[shipment.ShipmentNumber+want] {
			t.Fatalf("missing carton number %s%s in %v", shipment.ShipmentNumber, want, seen)
		}
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("outbound-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("outbound-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=outbound_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
