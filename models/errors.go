package models

import "errors"

// Domain errors returned to callers. Transactions roll back in full on any of
// these, so partial writes never persist.
var (
	// ErrNoInventoryAvailable: zero eligible units matched a selection request.
	// A partial cover is NOT an error; see AllocationPlan.FullyCovered.
	ErrNoInventoryAvailable = errors.New("no inventory available for the requested product")

	// ErrInsufficientInventory: a specific location lacks the availability a
	// back-order fulfillment asked for.
	ErrInsufficientInventory = errors.New("insufficient inventory available at the requested location")

	// ErrReservationConflict: a unit's availability dropped below the planned
	// quantity between selection and commit. Retryable with a fresh selection.
	ErrReservationConflict = errors.New("inventory reservation lost a concurrent race; reselect and retry")

	ErrInvalidPickQuantity     = errors.New("pick quantity must be positive and within the unpicked remainder")
	ErrAllocationNotPickable   = errors.New("allocation is not in a pickable state")
	ErrAllocationHasPickedQty  = errors.New("allocation has picked quantity and can no longer be cancelled")
	ErrAllocationAlreadyPicked = errors.New("allocation is fully picked and immutable")

	ErrBackOrderAlreadyCancelled = errors.New("back-order is already cancelled")
	ErrInvalidFulfillQuantity    = errors.New("fulfill quantity must be positive and within the remaining quantity")

	// ErrQualityCheckRequired: the QC gate is enabled and no passed outbound
	// check exists for the shipment.
	ErrQualityCheckRequired = errors.New("shipment requires a passed quality check before shipping")

	// ErrDuplicateSequence: two concurrent creations collided on a document
	// number. Retryable.
	ErrDuplicateSequence = errors.New("document sequence collision; retry")
)

// IsRetryable reports whether the caller may safely retry the operation with
// fresh state a bounded number of times.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrReservationConflict) || errors.Is(err, ErrDuplicateSequence)
}
