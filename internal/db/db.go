package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open initializes the sqlite-backed keyed-table store and migrates the
// schema. Every table is implicitly scoped by userref through the table
// wrappers in this package.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "gridbot.db"
	}
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.AutoMigrate(
		&OrderRow{},
		&ConfigRow{},
		&PendingTXIDRow{},
		&UnsoldBuyRow{},
		&FutureOrderRow{},
		&TSPStateRow{},
		&InstanceLockRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return conn, nil
}
