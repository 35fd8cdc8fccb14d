package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"gorm.io/gorm"
)

// QualityCheck records an outbound inspection of a packed shipment.
type QualityCheck struct {
	ID            int                      `gorm:"primary_key" json:"id"`
	BusinessId    string                   `gorm:"index;not null" json:"business_id"`
	ShipmentId    int                      `gorm:"index;not null" json:"shipment_id"`
	CurrentStatus QualityCheckStatus       `gorm:"type:enum('Pending','Passed','Failed');default:'Pending';index" json:"current_status"`
	CheckedBy     int                      `gorm:"index" json:"checked_by"`
	CheckedAt     *time.Time               `json:"checked_at"`
	Note          string                   `gorm:"size:255" json:"note"`
	CreatedAt     time.Time                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time                `gorm:"autoUpdateTime" json:"updated_at"`
	Results       []QualityCriterionResult `gorm:"foreignKey:QualityCheckId" json:"results"`
}

// QualityCriterionResult is one checkpoint verdict. Criteria are explicit
// rows, not a loose JSON blob.
type QualityCriterionResult struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BusinessId     string    `gorm:"index;not null" json:"business_id"`
	QualityCheckId int       `gorm:"index;not null" json:"quality_check_id"`
	Criterion      string    `gorm:"size:100;not null" json:"criterion"`
	Passed         bool      `json:"passed"`
	Remark         string    `gorm:"size:255" json:"remark"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewQualityCriterionResult struct {
	Criterion string `json:"criterion" binding:"required"`
	Passed    bool   `json:"passed"`
	Remark    string `json:"remark"`
}

type NewQualityCheck struct {
	ShipmentId int                         `json:"shipment_id" binding:"required"`
	Note       string                      `json:"note"`
	Results    []NewQualityCriterionResult `json:"results" binding:"required"`
}

// RecordQualityCheck stores an inspection verdict for a packed shipment. The
// overall status is Failed if any criterion failed, otherwise Passed.
func RecordQualityCheck(ctx context.Context, input *NewQualityCheck) (*QualityCheck, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if len(input.Results) == 0 {
		return nil, errors.New("quality check needs at least one criterion result")
	}
	if err := utils.ValidateResourceId[Shipment](ctx, businessId, input.ShipmentId); err != nil {
		return nil, err
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	now := time.Now().UTC()
	status := QualityCheckStatusPassed
	for _, result := range input.Results {
		if !result.Passed {
			status = QualityCheckStatusFailed
			break
		}
	}

	check := &QualityCheck{
		BusinessId:    businessId,
		ShipmentId:    input.ShipmentId,
		CurrentStatus: status,
		CheckedBy:     userId,
		CheckedAt:     &now,
		Note:          input.Note,
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(check).Error; err != nil {
			return err
		}
		for _, result := range input.Results {
			row := QualityCriterionResult{
				BusinessId:     businessId,
				QualityCheckId: check.ID,
				Criterion:      result.Criterion,
				Passed:         result.Passed,
				Remark:         result.Remark,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			check.Results = append(check.Results, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return check, nil
}

// hasPassedQualityCheck reports whether the latest check on the shipment
// passed. An older failure superseded by a later pass does not block.
func hasPassedQualityCheck(tx *gorm.DB, businessId string, shipmentId int) (bool, error) {
	var check QualityCheck
	err := tx.
		Where("business_id = ? AND shipment_id = ?", businessId, shipmentId).
		Order("id desc").
		First(&check).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return check.CurrentStatus == QualityCheckStatusPassed, nil
}

func GetQualityCheck(ctx context.Context, id int) (*QualityCheck, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[QualityCheck](ctx, businessId, id, "Results")
}
