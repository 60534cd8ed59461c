package linkup

import "encoding/json"

// ============================================================================
// Chat Types
// ============================================================================

// Profile is the public part of a user profile, denormalized into rooms and
// inbox entries.
type Profile struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

// Message is a chat message as held by a session and the local cache.
type Message struct {
	ID              string `json:"id"`
	RoomID          string `json:"roomId"`
	SenderID        string `json:"senderId"`
	Text            string `json:"text"`
	TimestampMillis int64  `json:"createdAt"`
	Read            bool   `json:"read"`
	Pending         bool   `json:"pending,omitempty"`
}

// Before reports whether m sorts before o: by timestamp, then id.
func (m Message) Before(o Message) bool {
	if m.TimestampMillis != o.TimestampMillis {
		return m.TimestampMillis < o.TimestampMillis
	}
	return m.ID < o.ID
}

// wireMessage is the compact shape stored at messages/{roomId}/{messageId}.
type wireMessage struct {
	S  string `json:"s"`
	T  string `json:"t"`
	TS int64  `json:"ts"`
	R  bool   `json:"r"`
}

func (m Message) wire() wireMessage {
	return wireMessage{S: m.SenderID, T: m.Text, TS: m.TimestampMillis, R: m.Read}
}

func decodeWireMessage(roomID, id string, raw json.RawMessage) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, err
	}
	return Message{ID: id, RoomID: roomID, SenderID: w.S, Text: w.T, TimestampMillis: w.TS, Read: w.R}, nil
}

// Room is the metadata node at rooms/{roomId}.
type Room struct {
	RoomID       string             `json:"roomId"`
	Participants [2]string          `json:"participants"`
	CreatedAt    int64              `json:"createdAt"`
	UpdatedAt    int64              `json:"updatedAt"`
	Display      map[string]Profile `json:"display,omitempty"`
}

// InboxEntry is one row of a user's inbox.
type InboxEntry struct {
	RoomID      string  `json:"roomId"`
	OtherUser   Profile `json:"otherUser"`
	LastMessage string  `json:"lastMessage"`
	UpdatedAt   int64   `json:"updatedAt"`
	UnreadCount int     `json:"unreadCount"`
}

// TypingState reports whether UID is typing in RoomID.
type TypingState struct {
	RoomID   string `json:"roomId"`
	UID      string `json:"uid"`
	IsTyping bool   `json:"isTyping"`
}

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresenceState is stored at status/{uid}.
type PresenceState struct {
	UID         string `json:"uid,omitempty"`
	State       string `json:"state"`
	LastChanged int64  `json:"lastChanged"`
}

// ============================================================================
// REST Types
// ============================================================================

// APIResponse is the envelope of every REST response.
type APIResponse[T any] struct {
	OK    bool      `json:"ok"`
	Data  T         `json:"data"`
	Error *APIError `json:"error,omitempty"`
}

// SyncRequest is the body of POST /api/likes/sync.
type SyncRequest struct {
	UID string             `json:"uid"`
	Ops []PendingOperation `json:"ops"`
}

// SyncData lists the target ids the backend accepted.
type SyncData struct {
	Confirmed []string `json:"confirmed"`
}

// FeedItem is one post in the REST feed.
type FeedItem struct {
	ID        string          `json:"id"`
	AuthorID  string          `json:"authorId"`
	CreatedAt int64           `json:"createdAt"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// FeedPage is one page of the feed. Done ends paging regardless of how many
// items came back.
type FeedPage struct {
	Items []FeedItem `json:"items"`
	Done  bool       `json:"done"`
}

// FeedCursor is the exclusive position after the last item seen.
type FeedCursor struct {
	LastCreatedAt int64  `json:"lastCreatedAt"`
	LastID        string `json:"lastId"`
	Done          bool   `json:"done,omitempty"`
}
