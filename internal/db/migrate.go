package db

import (
	"tradedesk/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Strategy{},
		&models.PendingOrderRecord{},
		&models.BracketGroup{},
		&models.ReconcileConflict{},
	)
}
