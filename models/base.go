package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PublishFulfillmentEvent implements the transactional outbox: it writes the
// event record inside the caller's DB transaction but does NOT publish to
// Pub/Sub. Publishing is performed asynchronously by the outbox dispatcher
// after commit.
func PublishFulfillmentEvent(ctx context.Context, tx *gorm.DB, businessId string, eventName string, refId int, refType FulfillmentReferenceType, obj interface{}) error {

	var payload []byte
	var err error
	if obj != nil {
		payload, err = json.Marshal(obj)
		if err != nil {
			return err
		}
	}

	record := OutboxMessageRecord{
		BusinessId:    businessId,
		OccurredAt:    time.Now().UTC(),
		EventName:     eventName,
		ReferenceId:   refId,
		ReferenceType: refType,
		Payload:       payload,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
