package models

import "errors"

// AllocationStrategy is a closed enumeration; each variant carries its own
// candidate ranking (see allocationSelector.go). Adding a strategy means
// adding a variant plus a ranking function, never editing call sites.
type AllocationStrategy string

const (
	AllocationStrategyFifo   AllocationStrategy = "fifo"
	AllocationStrategyLifo   AllocationStrategy = "lifo"
	AllocationStrategyFefo   AllocationStrategy = "fefo"
	AllocationStrategyManual AllocationStrategy = "manual"
)

func ParseAllocationStrategy(s string) (AllocationStrategy, error) {
	switch s {
	case "fifo":
		return AllocationStrategyFifo, nil
	case "lifo":
		return AllocationStrategyLifo, nil
	case "fefo":
		return AllocationStrategyFefo, nil
	case "manual":
		return AllocationStrategyManual, nil
	default:
		return "", errors.New("invalid allocation strategy")
	}
}

type AllocationStatus string

const (
	AllocationStatusAllocated AllocationStatus = "Allocated"
	AllocationStatusPicked    AllocationStatus = "Picked"
	AllocationStatusCancelled AllocationStatus = "Cancelled"
	AllocationStatusExpired   AllocationStatus = "Expired"
)

// IsTerminal reports whether the allocation may never mutate again.
func (s AllocationStatus) IsTerminal() bool {
	return s == AllocationStatusPicked || s == AllocationStatusCancelled || s == AllocationStatusExpired
}

type BackOrderStatus string

const (
	BackOrderStatusPending            BackOrderStatus = "Pending"
	BackOrderStatusProcessing         BackOrderStatus = "Processing"
	BackOrderStatusPartiallyFulfilled BackOrderStatus = "PartiallyFulfilled"
	BackOrderStatusFulfilled          BackOrderStatus = "Fulfilled"
	BackOrderStatusCancelled          BackOrderStatus = "Cancelled"
)

type BackOrderPriority string

const (
	BackOrderPriorityLow      BackOrderPriority = "Low"
	BackOrderPriorityMedium   BackOrderPriority = "Medium"
	BackOrderPriorityHigh     BackOrderPriority = "High"
	BackOrderPriorityUrgent   BackOrderPriority = "Urgent"
	BackOrderPriorityCritical BackOrderPriority = "Critical"
)

// rank orders priorities for auto-fulfillment scans (higher first).
func (p BackOrderPriority) rank() int {
	switch p {
	case BackOrderPriorityCritical:
		return 5
	case BackOrderPriorityUrgent:
		return 4
	case BackOrderPriorityHigh:
		return 3
	case BackOrderPriorityMedium:
		return 2
	case BackOrderPriorityLow:
		return 1
	}
	return 0
}

func ParseBackOrderPriority(s string) (BackOrderPriority, error) {
	switch s {
	case "low", "Low":
		return BackOrderPriorityLow, nil
	case "medium", "Medium":
		return BackOrderPriorityMedium, nil
	case "high", "High":
		return BackOrderPriorityHigh, nil
	case "urgent", "Urgent":
		return BackOrderPriorityUrgent, nil
	case "critical", "Critical":
		return BackOrderPriorityCritical, nil
	default:
		return "", errors.New("invalid back-order priority")
	}
}

type SalesOrderStatus string

const (
	SalesOrderStatusDraft     SalesOrderStatus = "Draft"
	SalesOrderStatusConfirmed SalesOrderStatus = "Confirmed"
	SalesOrderStatusClosed    SalesOrderStatus = "Closed"
	SalesOrderStatusCancelled SalesOrderStatus = "Cancelled"
)

type SalesOrderDetailStatus string

const (
	SalesOrderDetailStatusPending     SalesOrderDetailStatus = "Pending"
	SalesOrderDetailStatusBackordered SalesOrderDetailStatus = "Backordered"
	SalesOrderDetailStatusAllocated   SalesOrderDetailStatus = "Allocated"
	SalesOrderDetailStatusPicked      SalesOrderDetailStatus = "Picked"
)

type PickListStatus string

const (
	PickListStatusOpen       PickListStatus = "Open"
	PickListStatusInProgress PickListStatus = "InProgress"
	PickListStatusCompleted  PickListStatus = "Completed"
	PickListStatusCancelled  PickListStatus = "Cancelled"
)

type ShipmentStatus string

const (
	ShipmentStatusOpen    ShipmentStatus = "Open"
	ShipmentStatusPacked  ShipmentStatus = "Packed"
	ShipmentStatusShipped ShipmentStatus = "Shipped"
)

type QualityCheckStatus string

const (
	QualityCheckStatusPending QualityCheckStatus = "Pending"
	QualityCheckStatusPassed  QualityCheckStatus = "Passed"
	QualityCheckStatusFailed  QualityCheckStatus = "Failed"
)

// Event names carried on outbox rows and published to Pub/Sub after commit.
const (
	EventAllocationAllocated = "allocation.allocated"
	EventAllocationPicked    = "allocation.picked"
	EventAllocationCancelled = "allocation.cancelled"
	EventAllocationExpired   = "allocation.expired"
	EventBackOrderCreated    = "backorder.created"
	EventBackOrderFulfilled  = "backorder.fulfilled"
	EventBackOrderCancelled  = "backorder.cancelled"
	EventPickListCreated     = "picklist.created"
	EventPickListCompleted   = "picklist.completed"
	EventShipmentShipped     = "shipment.shipped"
)

// Outbox reference types (DB enum values).
type FulfillmentReferenceType string

const (
	ReferenceTypeAllocation FulfillmentReferenceType = "AL"
	ReferenceTypeBackOrder  FulfillmentReferenceType = "BO"
	ReferenceTypePickList   FulfillmentReferenceType = "PL"
	ReferenceTypeShipment   FulfillmentReferenceType = "SH"
)

// Outbox publish statuses for OutboxMessageRecord.PublishStatus.
// Keep these as strings (DB values) for backwards compatibility.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
