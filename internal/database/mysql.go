package database

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// ConnectMySQL opens the chat store database.
func ConnectMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}
