package models

import (
	"log"

	"bitbucket.org/mmdatafocus/outbound_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Product{},
		&Warehouse{}, &Location{},
		&InventoryUnit{},
		&SalesOrder{}, &SalesOrderDetail{},
		&Allocation{},
		&BackOrder{},
		&PickList{}, &PickListItem{},
		&Shipment{}, &Carton{}, &CartonItem{},
		&QualityCheck{}, &QualityCriterionResult{},
		&DocumentSequence{},
		&OutboxMessageRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
