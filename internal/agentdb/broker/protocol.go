// Package broker is the local IPC Broker: the long-lived Agent process
// that owns the database, watches the transcript tree, and serves
// request/response RPC plus push-delivered events over an OS-local socket.
// Grounded on original_source/src/agent/{server,watcher,broadcaster,
// handler}.rs and original_source/src/protocol.rs.
package broker

import "encoding/json"

// Request is one line of client->agent traffic, discriminated by Type.
type Request struct {
	Type              string          `json:"type"`
	Component         string          `json:"component,omitempty"`
	Version           string          `json:"version,omitempty"`
	Path              string          `json:"path,omitempty"`
	Events            []EventType     `json:"events,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	IndexedMessageIDs []int64         `json:"indexed_message_ids,omitempty"`
	TalkID            string          `json:"talk_id,omitempty"`
	SummaryL2         string          `json:"summary_l2,omitempty"`
	SummaryL3         string          `json:"summary_l3,omitempty"`
	ToolCallID        string          `json:"tool_call_id,omitempty"`
	Status            string          `json:"status,omitempty"`
	ResolvedAt        int64           `json:"resolved_at,omitempty"`
	QueryType         string          `json:"query_type,omitempty"`
	Kind              string          `json:"kind,omitempty"`
	Session           string          `json:"session,omitempty"`
	TranscriptPath    string          `json:"transcript_path,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

const (
	ReqHandshake          = "handshake"
	ReqNotifyFileChange   = "notify_file_change"
	ReqSubscribe          = "subscribe"
	ReqUnsubscribe        = "unsubscribe"
	ReqWriteIndexResult   = "write_index_result"
	ReqWriteCompactResult = "write_compact_result"
	ReqWriteApproveResult = "write_approve_result"
	ReqHeartbeat          = "heartbeat"
	ReqQuery              = "query"
	ReqHookEvent          = "hook_event"
)

const (
	QueryStatus          = "status"
	QueryConnectionCount = "connection_count"
)

// Response is one line of agent->client reply traffic, correlated
// implicitly by being the next line read after a Request was written (this
// protocol has no request ID; the connection is used for one in-flight
// request at a time per the external interface in spec.md).
type Response struct {
	Type         string          `json:"type"`
	Success      bool            `json:"success,omitempty"`
	Error        string          `json:"error,omitempty"`
	Code         int             `json:"code,omitempty"`
	AgentVersion string          `json:"agent_version,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

const (
	RespOk          = "ok"
	RespError       = "error"
	RespHandshakeOk = "handshake_ok"
	RespQueryResult = "query_result"
)

func okResponse() Response { return Response{Type: RespOk, Success: true} }

func errResponse(code int, msg string) Response {
	return Response{Type: RespError, Code: code, Error: msg}
}

// EventType identifies a category of Push a client can subscribe to.
type EventType string

const (
	EventNewMessage   EventType = "new_message"
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
	EventHookEvent    EventType = "hook_event"
)

// Push is an unsolicited agent->client message delivered to subscribed
// connections, independent of the request/response exchange.
type Push struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"session_id,omitempty"`
	Path        string  `json:"path,omitempty"`
	Count       int     `json:"count,omitempty"`
	MessageIDs  []int64 `json:"message_ids,omitempty"`
	ProjectPath string  `json:"project_path,omitempty"`
	Kind        string  `json:"kind,omitempty"`
	Session     string  `json:"session,omitempty"`
}

const (
	PushNewMessages  = "new_messages"
	PushSessionStart = "session_start"
	PushSessionEnd   = "session_end"
	PushHookEvent    = "hook_event"
)

// Event is the internal, pre-serialization representation of something
// worth broadcasting; ToPush converts it to the wire Push shape.
type Event struct {
	Type        EventType
	SessionID   string
	Path        string
	Count       int
	MessageIDs  []int64
	ProjectPath string
	Kind        string
}

// ToPush converts an internal Event to its wire representation.
func (e Event) ToPush() Push {
	switch e.Type {
	case EventSessionStart:
		return Push{Type: PushSessionStart, SessionID: e.SessionID, ProjectPath: e.ProjectPath}
	case EventSessionEnd:
		return Push{Type: PushSessionEnd, SessionID: e.SessionID}
	case EventHookEvent:
		return Push{Type: PushHookEvent, Kind: e.Kind, Session: e.SessionID}
	default:
		return Push{Type: PushNewMessages, SessionID: e.SessionID, Path: e.Path, Count: e.Count, MessageIDs: e.MessageIDs}
	}
}
