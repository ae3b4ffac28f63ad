package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roomsync/internal/models"
	"roomsync/internal/snapshot"
)

var ErrRoomNotFound = errors.New("room not found")

// RoomRepository stores document snapshots in the rooms.ydoc column.
type RoomRepository struct {
	DB *gorm.DB
}

func (r *RoomRepository) Load(ctx context.Context, roomCode string) ([]byte, error) {
	var room models.Room
	err := r.DB.WithContext(ctx).Select("ydoc").First(&room, "code = ?", roomCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room snapshot: %w", err)
	}
	if len(room.YDoc) == 0 {
		return nil, snapshot.ErrNotFound
	}
	return room.YDoc, nil
}

// Save upserts the snapshot, creating the room row when it does not exist.
func (r *RoomRepository) Save(ctx context.Context, roomCode string, data []byte) error {
	room := models.Room{Code: roomCode, YDoc: data}
	err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"ydoc", "updated_at"}),
	}).Create(&room).Error
	if err != nil {
		return fmt.Errorf("failed to save room snapshot: %w", err)
	}
	return nil
}

func (r *RoomRepository) GetRoomByCode(roomCode string) (*models.Room, error) {
	var room models.Room
	err := r.DB.First(&room, "code = ?", roomCode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	return &room, err
}
