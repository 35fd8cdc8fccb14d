package reports

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/shopspring/decimal"
)

type BackOrderAgingRow struct {
	BackOrderId     int             `json:"back_order_id"`
	BackOrderNumber string          `json:"back_order_number"`
	Sku             string          `json:"sku"`
	ProductName     string          `json:"product_name"`
	Priority        string          `json:"priority"`
	RemainingQty    decimal.Decimal `json:"remaining_qty"`
	AgeDays         int             `json:"age_days"`
}

// GetBackOrderAgingReport lists open back-orders oldest first with their
// unresolved quantity.
func GetBackOrderAgingReport(ctx context.Context) ([]*BackOrderAgingRow, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	sql := `
SELECT
    bo.id AS back_order_id,
    bo.back_order_number,
    products.sku,
    products.name AS product_name,
    bo.priority,
    bo.remaining_qty,
    DATEDIFF(UTC_TIMESTAMP(), bo.created_at) AS age_days
FROM
    back_orders AS bo
    LEFT JOIN products ON products.id = bo.product_id
WHERE
    bo.business_id = ?
    AND bo.current_status IN ('Pending', 'Processing', 'PartiallyFulfilled')
ORDER BY
    bo.created_at ASC;
`

	var rows []*BackOrderAgingRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, businessId).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
