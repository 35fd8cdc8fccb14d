package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentSequence is a per-(business, document, year) counter row. The next
// number is taken by locking the row FOR UPDATE and incrementing it inside
// the document's own transaction, so two concurrent creations can never
// receive the same number. Counting existing rows and adding one is exactly
// the race this table exists to prevent.
type DocumentSequence struct {
	ID          int       `gorm:"primary_key" json:"id"`
	BusinessId  string    `gorm:"size:64;not null;uniqueIndex:idx_doc_seq,priority:1" json:"business_id"`
	SequenceKey string    `gorm:"size:20;not null;uniqueIndex:idx_doc_seq,priority:2" json:"sequence_key"`
	Year        int       `gorm:"not null;uniqueIndex:idx_doc_seq,priority:3" json:"year"`
	Value       int64     `gorm:"not null;default:0" json:"value"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const (
	sequenceKeyBackOrder  = "BO"
	sequenceKeySalesOrder = "SO"
	sequenceKeyPickList   = "PL"
	sequenceKeyShipment   = "SH"
)

// nextDocumentSequence increments and returns the counter for one
// (business, key, year) inside tx. First use of a year inserts the counter
// row; a duplicate-key insert race surfaces as ErrDuplicateSequence so the
// caller can retry the whole transaction.
func nextDocumentSequence(tx *gorm.DB, businessId string, key string, year int) (int64, error) {
	var seq DocumentSequence
	err := tx.
		Where("business_id = ? AND sequence_key = ? AND year = ?", businessId, key, year).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&seq).Error

	switch {
	case err == nil:
		// locked; fall through to increment
	case errors.Is(err, gorm.ErrRecordNotFound):
		seq = DocumentSequence{
			BusinessId:  businessId,
			SequenceKey: key,
			Year:        year,
		}
		if err := tx.Create(&seq).Error; err != nil {
			if isDuplicateKeyError(err) {
				return 0, ErrDuplicateSequence
			}
			return 0, err
		}
	default:
		return 0, err
	}

	seq.Value++
	if err := tx.Model(&DocumentSequence{}).Where("id = ?", seq.ID).
		Update("value", seq.Value).Error; err != nil {
		return 0, err
	}
	return seq.Value, nil
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// MySQL 1062 surfaces as a plain error string through some drivers.
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}

// FormatBackOrderNumber renders the year-scoped back-order number
// (BO-<year>-<6-digit sequence>).
func FormatBackOrderNumber(year int, seq int64) string {
	return fmt.Sprintf("BO-%d-%06d", year, seq)
}

// cartonSequenceKey names the per-shipment carton counter. Cartons number
// within their shipment, so the counter carries the shipment id and uses
// year 0.
func cartonSequenceKey(shipmentId int) string {
	return fmt.Sprintf("CT-%d", shipmentId)
}

// FormatCartonNumber renders a carton code within its shipment
// (<shipment number>-C<2-digit sequence>).
func FormatCartonNumber(shipmentNumber string, seq int64) string {
	return fmt.Sprintf("%s-C%02d", shipmentNumber, seq)
}
