package linkup

import (
	"sort"
	"strings"
)

// RoomID returns the deterministic id of the one-to-one room between a and b.
// The result does not depend on argument order.
func RoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Realtime tree paths.

func MessagesPath(roomID string) string        { return "messages/" + roomID }
func MessagePath(roomID, msgID string) string  { return "messages/" + roomID + "/" + msgID }
func TypingPath(roomID, uid string) string     { return "typing/" + roomID + "/" + uid }
func StatusPath(uid string) string             { return "status/" + uid }
func InboxPath(uid string) string              { return "inbox/" + uid }
func InboxEntryPath(uid, roomID string) string { return "inbox/" + uid + "/" + roomID }
func RoomPath(roomID string) string            { return "rooms/" + roomID }

// Cache keys.

func messageCacheKey(roomID, msgID string) string { return "messages:" + roomID + ":" + msgID }
func messageCachePrefix(roomID string) string     { return "messages:" + roomID + ":" }
func inboxCacheKey(uid, roomID string) string     { return "inbox:" + uid + ":" + roomID }
func inboxCachePrefix(uid string) string          { return "inbox:" + uid + ":" }
func feedCacheKey(uid, itemID string) string      { return "feed:" + uid + ":" + itemID }

// splitPath splits a slash separated realtime path, ignoring empty segments.
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
