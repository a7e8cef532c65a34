package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"collabtext/server/internal/oplog"
)

// Inbound command types.
const (
	TypeJoinProject  = "join-project"
	TypeLeaveProject = "leave-project"
	TypeOperation    = "operation"
	TypeSyncRequest  = "sync-request"
	TypePing         = "ping"
)

// Outbound event types.
const (
	TypeConnectionAck   = "connection-ack"
	TypeProjectState    = "project-state"
	TypeLeaveProjectAck = "leave-project-ack"
	TypeOperationAck    = "operation-ack"
	TypeBroadcast       = "operation-broadcast"
	TypeSyncResponse    = "sync-response"
	TypePong            = "pong"
	TypeError           = "error"
)

// Error codes carried by error events.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

var ErrUnknownType = errors.New("unknown message type")

// Command is a decoded inbound message.
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeCommand parses a raw {type, data} message. Both transports use it.
func DecodeCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, &oplog.ValidationError{Field: "message", Reason: "is not valid JSON"}
	}
	cmd.Type = strings.TrimSpace(cmd.Type)
	if cmd.Type == "" {
		return Command{}, &oplog.ValidationError{Field: "type", Reason: "is required"}
	}
	return cmd, nil
}

// Event is an outbound message. Transports encode it as {type, data}.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Command string `json:"command,omitempty"`
}

type ConnectionAck struct {
	ClientID  string `json:"clientId"`
	Transport string `json:"transport"`
	Timestamp int64  `json:"timestamp"`
}

type ProjectState struct {
	ProjectID   string   `json:"projectId"`
	UsersOnline []string `json:"usersOnline"`
	Files       []string `json:"files"`
	Version     int64    `json:"version"`
}

type ProjectRef struct {
	ProjectID string `json:"projectId"`
}

type OperationAck struct {
	OperationID string `json:"operationId"`
	Timestamp   int64  `json:"timestamp"`
	Version     int64  `json:"version"`
}

type SyncRequest struct {
	ProjectID        string `json:"projectId"`
	LastKnownVersion int64  `json:"lastKnownVersion"`
	Limit            int    `json:"limit,omitempty"`
}

type SyncResponse struct {
	ProjectID string `json:"projectId"`
	oplog.SyncResult
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// decodeProjectRef accepts either {"projectId": "..."} or a bare JSON string.
func decodeProjectRef(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", &oplog.ValidationError{Field: "projectId", Reason: "is required"}
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		var ref ProjectRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return "", &oplog.ValidationError{Field: "data", Reason: "must be an object with projectId"}
		}
		id = ref.ProjectID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", &oplog.ValidationError{Field: "projectId", Reason: "is required"}
	}
	return id, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return &oplog.ValidationError{Field: "data", Reason: "is required"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &oplog.ValidationError{Field: "data", Reason: fmt.Sprintf("is malformed: %v", err)}
	}
	return nil
}

// errorEvent classifies err for the client. Storage details stay in the log.
func errorEvent(command string, err error) Event {
	data := ErrorData{Command: command}
	switch {
	case errors.Is(err, oplog.ErrValidation):
		data.Code = CodeValidation
		data.Message = err.Error()
	case errors.Is(err, ErrUnknownType):
		data.Code = CodeUnknownType
		data.Message = fmt.Sprintf("unknown message type: %s", command)
	case errors.Is(err, oplog.ErrStorageUnavailable):
		data.Code = CodeStorageUnavailable
		data.Message = "storage unavailable, " + command + " was not applied"
	default:
		data.Code = CodeInternal
		data.Message = "failed to process " + command
	}
	return Event{Type: TypeError, Data: data}
}
