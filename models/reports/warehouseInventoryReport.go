package reports

import (
	"context"
	"errors"
	"fmt"
	"io"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
	"bitbucket.org/mmdatafocus/outbound_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type WarehouseInventoryRow struct {
	ProductId    int             `json:"product_id"`
	Sku          string          `json:"sku"`
	ProductName  string          `json:"product_name"`
	LocationCode string          `json:"location_code"`
	LotNumber    string          `json:"lot_number"`
	QtyOnHand    decimal.Decimal `json:"qty_on_hand"`
	QtyReserved  decimal.Decimal `json:"qty_reserved"`
	QtyAvailable decimal.Decimal `json:"qty_available"`
}

// GetWarehouseInventoryReport aggregates the ledger per product x location x
// lot for one warehouse.
func GetWarehouseInventoryReport(ctx context.Context, warehouseId int) ([]*WarehouseInventoryRow, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	sql := `
SELECT
    iu.product_id,
    products.sku,
    products.name AS product_name,
    locations.code AS location_code,
    iu.lot_number,
    SUM(iu.qty_on_hand) AS qty_on_hand,
    SUM(iu.qty_reserved) AS qty_reserved,
    SUM(iu.qty_available) AS qty_available
FROM
    inventory_units AS iu
    LEFT JOIN products ON products.id = iu.product_id
    LEFT JOIN locations ON locations.id = iu.location_id
WHERE
    iu.business_id = ? AND iu.warehouse_id = ?
GROUP BY
    iu.product_id, products.sku, products.name, locations.code, iu.lot_number
ORDER BY
    products.sku, locations.code;
`

	var rows []*WarehouseInventoryRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, businessId, warehouseId).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ExportWarehouseInventoryXlsx writes the report as a spreadsheet.
func ExportWarehouseInventoryXlsx(ctx context.Context, warehouseId int, w io.Writer) error {

	rows, err := GetWarehouseInventoryReport(ctx, warehouseId)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	if _, err := f.NewSheet("Sheet1"); err != nil {
		return err
	}

	// Add headers
	f.SetCellValue("Sheet1", "A1", "Sku")
	f.SetCellValue("Sheet1", "B1", "Product")
	f.SetCellValue("Sheet1", "C1", "Location")
	f.SetCellValue("Sheet1", "D1", "Lot")
	f.SetCellValue("Sheet1", "E1", "OnHand")
	f.SetCellValue("Sheet1", "F1", "Reserved")
	f.SetCellValue("Sheet1", "G1", "Available")

	// Add data
	for i, row := range rows {
		f.SetCellValue("Sheet1", "A"+fmt.Sprint(i+2), row.Sku)
		f.SetCellValue("Sheet1", "B"+fmt.Sprint(i+2), row.ProductName)
		f.SetCellValue("Sheet1", "C"+fmt.Sprint(i+2), row.LocationCode)
		f.SetCellValue("Sheet1", "D"+fmt.Sprint(i+2), row.LotNumber)
		f.SetCellValue("Sheet1", "E"+fmt.Sprint(i+2), row.QtyOnHand.String())
		f.SetCellValue("Sheet1", "F"+fmt.Sprint(i+2), row.QtyReserved.String())
		f.SetCellValue("Sheet1", "G"+fmt.Sprint(i+2), row.QtyAvailable.String())
	}

	return f.Write(w)
}
