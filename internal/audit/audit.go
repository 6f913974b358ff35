// Package audit writes security-relevant chat actions as tagged log lines,
// so they can be routed apart from ordinary logs by log_type.
package audit

import (
	"context"

	"github.com/Dry1ceD7/AAEConnect/pkg/log"
)

type Action string

const (
	ActionConnect     Action = "chat.connect"
	ActionDisconnect  Action = "chat.disconnect"
	ActionAuthFailed  Action = "chat.auth_failed"
	ActionSendMessage Action = "chat.send_message"
	ActionRoomCreate  Action = "room.create"
	ActionRoomJoin    Action = "room.join"
	ActionRoomLeave   Action = "room.leave"
	ActionFileUpload  Action = "file.upload"
)

const (
	FieldAction = "action"
	// FieldTarget names the object acted on: a message id, a file key or a
	// request path.
	FieldTarget = "target"
)

// Event is one audited action. Empty fields are left out of the entry.
type Event struct {
	Action Action
	UserID string
	RoomID string
	Target string
}

func Record(ctx context.Context, ev Event, msg string) {
	l := log.Ctx(ctx)
	e := l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, string(ev.Action))
	if ev.UserID != "" {
		e = e.Str(log.FieldUserID, ev.UserID)
	}
	if ev.RoomID != "" {
		e = e.Str(log.FieldRoomID, ev.RoomID)
	}
	if ev.Target != "" {
		e = e.Str(FieldTarget, ev.Target)
	}
	e.Msg(msg)
}
