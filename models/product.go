package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
)

type Product struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"index;not null" json:"business_id"`
	Name          string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Sku           string    `gorm:"size:100;index;not null" json:"sku" binding:"required"`
	Barcode       string    `gorm:"size:100;index" json:"barcode"`
	UnitOfMeasure string    `gorm:"size:20;not null;default:'pcs'" json:"unit_of_measure"`
	IsLotTracked  *bool     `gorm:"not null;default:false" json:"is_lot_tracked"`
	IsSerialized  *bool     `gorm:"not null;default:false" json:"is_serialized"`
	HasExpiry     *bool     `gorm:"not null;default:false" json:"has_expiry"`
	IsActive      *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name          string `json:"name" binding:"required"`
	Sku           string `json:"sku" binding:"required"`
	Barcode       string `json:"barcode"`
	UnitOfMeasure string `json:"unit_of_measure"`
	IsLotTracked  *bool  `json:"is_lot_tracked"`
	IsSerialized  *bool  `json:"is_serialized"`
	HasExpiry     *bool  `json:"has_expiry"`
}

// validate input for both create & update. (id = 0 for create)

func (input *NewProduct) validate(ctx context.Context, businessId string, id int) error {
	// sku
	if err := utils.ValidateUnique[Product](ctx, businessId, "sku", input.Sku, id); err != nil {
		return err
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	uom := input.UnitOfMeasure
	if uom == "" {
		uom = "pcs"
	}

	product := Product{
		BusinessId:    businessId,
		Name:          input.Name,
		Sku:           input.Sku,
		Barcode:       input.Barcode,
		UnitOfMeasure: uom,
		IsLotTracked:  orFalse(input.IsLotTracked),
		IsSerialized:  orFalse(input.IsSerialized),
		HasExpiry:     orFalse(input.HasExpiry),
		IsActive:      utils.NewTrue(),
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&product).Error
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Product](ctx, businessId, id)
}

func GetProductAll(ctx context.Context, name *string) ([]*Product, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*Product

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	err := dbCtx.Order("name").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func orFalse(b *bool) *bool {
	if b == nil {
		return utils.NewFalse()
	}
	return b
}
