package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (same keys the auth middleware stores in the gin context)
	FieldUserID   = "user_id"
	FieldUsername = "username"

	// Chat
	FieldSessionID   = "session_id"
	FieldRoomID      = "room_id"
	FieldMessageID   = "message_id"
	FieldMessageType = "message_type"
	FieldRecipients  = "recipients"
	FieldDelivered   = "delivered"
	FieldDropped     = "dropped"
	FieldElapsed     = "elapsed_ms"
	FieldTarget      = "target_ms"

	// Service
	FieldService  = "service"
	FieldInstance = "instance"

	// gRPC
	FieldGRPCMethod = "grpc_method"
	FieldGRPCCode   = "grpc_code"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
