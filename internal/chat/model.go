package chat

import (
	"strconv"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

type Message struct {
	ID             int64
	ConversationID string
	SenderID       int64
	SenderName     string
	Text           string
	CreatedAt      time.Time
}

// MessageView is the JSON shape clients receive for a chat message.
type MessageView struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	SenderID       int64  `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	CreatedAt      string `json:"created_at"`
}

func (m *Message) View() MessageView {
	name := m.SenderName
	if name == "" {
		name = strconv.FormatInt(m.SenderID, 10)
	}
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Text:           m.Text,
		SenderID:       m.SenderID,
		SenderName:     name,
		CreatedAt:      m.CreatedAt.UTC().Format(timeLayout),
	}
}

// DeletionNotice is broadcast after a room's history is wiped.
type DeletionNotice struct {
	Event   string `json:"event"`
	Room    string `json:"room"`
	By      int64  `json:"by"`
	Deleted int64  `json:"deleted"`
}

// WSMessage is what the client sends over the socket.
type WSMessage struct {
	Text string `json:"text"`
}
