package session

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"roomsync/internal/models"
)

func controlFrame(msgType string, payload any) Frame {
	data, err := json.Marshal(models.ControlMessage{Type: msgType, Payload: payload})
	if err != nil {
		// payloads are plain structs of strings and ints
		panic(err)
	}
	return Frame{Type: websocket.TextMessage, Data: data}
}

func userJoinedFrame(userID, displayName string) Frame {
	return controlFrame(models.TypeUserJoined, models.UserPresence{UserID: userID, DisplayName: displayName})
}

func userLeftFrame(userID, displayName string) Frame {
	return controlFrame(models.TypeUserLeft, models.UserPresence{UserID: userID, DisplayName: displayName})
}

func roomClientsFrame(count int) Frame {
	return controlFrame(models.TypeRoomClients, models.RoomClients{Count: count})
}
