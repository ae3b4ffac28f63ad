package models

import (
	"gorm.io/gorm"
)

// Room is the persisted record of a room. Only the document snapshot column
// is written by this service; the rest is owned by whoever creates rooms.
type Room struct {
	gorm.Model
	Code string `gorm:"uniqueIndex;not null" json:"code"`
	Name string `json:"name"`
	YDoc []byte `gorm:"column:ydoc" json:"-"`
}
