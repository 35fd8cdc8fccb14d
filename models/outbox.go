package models

import (
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
)

// OutboxMessageRecord is the transactional outbox row for fulfillment
// lifecycle events. It is written inside the owning DB transaction; the
// dispatcher in workflow/ publishes to Pub/Sub after commit, so subscribers
// never observe a speculative (uncommitted) event.
type OutboxMessageRecord struct {
	ID            int                      `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId    string                   `gorm:"size:64;not null;index" json:"business_id"`
	OccurredAt    time.Time                `gorm:"index;not null" json:"occurred_at"`
	EventName     string                   `gorm:"size:50;not null;index" json:"event_name"`
	ReferenceId   int                      `gorm:"index" json:"reference_id"`
	ReferenceType FulfillmentReferenceType `gorm:"type:enum('AL','BO','PL','SH')" json:"reference_type"`
	Payload       []byte                   `gorm:"type:blob" json:"payload"`
	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToFulfillmentEvent(record OutboxMessageRecord) config.FulfillmentEvent {
	return config.FulfillmentEvent{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		OccurredAt:    record.OccurredAt,
		EventName:     record.EventName,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}
