package pubsub

import "strings"

const (
	DefaultPrefix = "chat"
	DefaultTopic  = "chat-messages"
)

// RoomChannel is the redis channel a room's events are published on.
func RoomChannel(prefix, roomID string) string {
	return prefixOrDefault(prefix) + ":room:" + roomID
}

// RoomPattern matches every RoomChannel under prefix.
func RoomPattern(prefix string) string {
	return prefixOrDefault(prefix) + ":room:*"
}

// roomFromChannel is the inverse of RoomChannel.
func roomFromChannel(prefix, channel string) (string, bool) {
	room, ok := strings.CutPrefix(channel, prefixOrDefault(prefix)+":room:")
	return room, ok && room != ""
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
