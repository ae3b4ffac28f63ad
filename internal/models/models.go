package models

import "time"

// Control message types sent to clients as JSON text frames. Document
// updates travel separately as binary frames.
const (
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeRoomClients = "room-clients"
)

type ControlMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type UserPresence struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type RoomClients struct {
	Count int `json:"count"`
}

// Room status reported by the read-only rooms API.
type RoomStatus struct {
	RoomCode     string        `json:"roomCode"`
	Live         bool          `json:"live"`
	Connections  int           `json:"connections"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
}

type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Connections int    `json:"connections"`
}
