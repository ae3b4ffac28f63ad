package models

import (
	"gorm.io/gorm"
)

// User represents a registered user in the system.
type User struct {
	gorm.Model
	UserID   string `gorm:"uniqueIndex;not null" json:"userId"`
	Username string `gorm:"not null" json:"username"`
	Email    string `json:"email"`
}
