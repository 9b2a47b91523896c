package models

import (
	"log"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Voucher{}, &VoucherApprover{}, &WorkflowEntry{}, &CollectionLine{},
		&Statement{},
		&VoucherNumberSeries{}, &NumberPrefix{},
		&LedgerPostingRecord{},
		&IdempotencyKey{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
