package sqlstore

import "time"

// Room is a chat room.
type Room struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Name      string    `gorm:"size:255"`
	CreatedAt time.Time
}

// RoomMember links a user to a room.
type RoomMember struct {
	RoomID   string    `gorm:"primaryKey;size:64"`
	UserID   string    `gorm:"primaryKey;size:64;index"`
	Role     string    `gorm:"size:32;default:member"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

// Message is the stored form of a chat message.
type Message struct {
	ID          string    `gorm:"primaryKey;size:64"`
	RoomID      string    `gorm:"size:64;not null;index:idx_messages_room_created,priority:1"`
	UserID      string    `gorm:"size:64;not null"`
	Username    string    `gorm:"size:255"`
	Content     string    `gorm:"type:text;not null"`
	MessageType string    `gorm:"size:16;not null;default:text"`
	ReplyTo     *string   `gorm:"size:64"`
	CreatedAt   time.Time `gorm:"not null;index:idx_messages_room_created,priority:2"`
}

// Models lists every table managed by the SQL store.
func Models() []interface{} {
	return []interface{}{&Room{}, &RoomMember{}, &Message{}}
}
