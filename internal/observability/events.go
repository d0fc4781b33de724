package observability

import (
	"time"

	"chat-sync/internal/models"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// RoomRoutingKey is the topic for committed mutations of a room.
func RoomRoutingKey(roomID string) string {
	return "room_events." + roomID
}

// PresenceRoutingKey is the topic for presence transitions into state.
func PresenceRoutingKey(state models.PresenceState) string {
	return "presence_events." + string(state)
}

// WSRoutingKey is the topic for websocket lifecycle events.
const WSRoutingKey = "ws_events.rooms"

// RoomEvent builds the envelope published for a committed room mutation.
func RoomEvent(name string, msg models.Message) EventEnvelope {
	return EventEnvelope{
		EventType: "room_events",
		EventName: name,
		Payload: map[string]interface{}{
			"room_id":    msg.RoomID,
			"message_id": msg.ID,
			"author_id":  msg.AuthorID,
			"seq":        msg.Seq,
			"created_at": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// PresenceEvent builds the envelope published for a presence transition.
func PresenceEvent(name string, p models.Presence) EventEnvelope {
	return EventEnvelope{
		EventType: "presence_events",
		EventName: name,
		Payload:   models.PresenceEvent{Type: name, Presence: p},
	}
}

// WSEvent builds a websocket lifecycle envelope.
func WSEvent(event, roomID, connID, userID, deviceID, ip, reason string, duration time.Duration) EventEnvelope {
	return EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "room",
				"resource_id": roomID,
				"event":       event,
				"conn_id":     connID,
				"duration_ms": duration.Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   userID,
				"device_id": deviceID,
				"ip":        ip,
			},
		},
	}
}
