package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// DeriveRoomKey builds the canonical "<min>_<max>" key for a two-party room.
func DeriveRoomKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d_%d", a, b)
}

// Participants parses a room key. Any non-numeric part makes the whole key invalid.
func Participants(roomKey string) ([]int64, bool) {
	parts := strings.Split(roomKey, "_")
	ids := make([]int64, 0, len(parts))
	seen := make(map[int64]bool, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, false
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, true
}

// IsMember reports whether userID is one of the room's participants.
// Malformed keys deny.
func IsMember(roomKey string, userID int64) bool {
	ids, ok := Participants(roomKey)
	if !ok {
		return false
	}
	for _, id := range ids {
		if id == userID {
			return true
		}
	}
	return false
}
