package agentdb

// ApprovalStatus tracks the lifecycle of a tool-call approval gate recorded
// against a message.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// MessageType distinguishes conversational roles and structural message
// kinds within a session's transcript.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
	MessageTool      MessageType = "tool"
)

// Project is a deduplicated working directory that one or more sessions
// were recorded against.
type Project struct {
	ID             int64
	Name           string
	Path           string
	Source         string
	EncodedDirName string
	CreatedAt      int64
	UpdatedAt      int64
}

// Session is one recorded conversation transcript, identified by the
// vendor-assigned SessionID (opaque, not generated by this system).
type Session struct {
	ID             int64
	SessionID      string
	ProjectID      int64
	MessageCount   int64
	FirstMessageAt int64
	LastMessageAt  int64
	Cwd            string
	Model          string
	Channel        string
	FileMtime      int64
	FileSize       int64
	Meta           string
	SessionType    string
	Source         string
	CreatedAt      int64
	UpdatedAt      int64
}

// Message is one turn in a session's transcript.
type Message struct {
	ID                   int64
	SessionID            string
	UUID                 string
	Type                 MessageType
	ContentText          string
	ContentFull          string
	Timestamp            int64
	Sequence             int64
	Source               string
	Channel              string
	Model                string
	ToolCallID           string
	ToolName             string
	ToolArgs             string
	Raw                  string
	VectorIndexed        bool
	ApprovalStatus       *ApprovalStatus
	ApprovalResolvedAt   *int64
}

// TalkSummary is an idempotently-upserted multi-level summary of a logical
// "talk" (a group of related sessions), written by an external summarizer;
// this system only stores and serves it.
type TalkSummary struct {
	ID         int64
	TalkID     string
	SessionID  string
	SummaryL2  string
	SummaryL3  string
	UpdatedAt  int64
}

// SessionRelation records a directed parent/child link between two
// sessions (e.g. a sub-agent session spawned by a parent session).
type SessionRelation struct {
	ID              int64
	ParentSessionID string
	ChildSessionID  string
	RelationType    string
	CreatedAt       int64
}

// WriterLease is the single row describing who currently holds write
// access to the database.
type WriterLease struct {
	ID              int64
	WriterID        string
	WriterType      int
	Priority        int
	LastHeartbeatMs int64
}

// SearchOrderBy selects the sort order for a full-text search query.
type SearchOrderBy int

const (
	SearchOrderScore SearchOrderBy = iota
	SearchOrderTimeDesc
	SearchOrderTimeAsc
)

// SearchResult is one row returned by SearchMessages.
type SearchResult struct {
	MessageID   int64
	SessionID   string
	ProjectID   int64
	ProjectName string
	Type        MessageType
	ContentFull string
	Snippet     string
	Score       float64
	Timestamp   int64
}

// Stats is a cheap aggregate count over the whole database.
type Stats struct {
	ProjectCount int64
	SessionCount int64
	MessageCount int64
}

// ProjectWithSource pairs a Project with the distinct sources (vendor
// adapters) that have contributed sessions to it.
type ProjectWithSource struct {
	Project
	Sources []string
}

// SessionInput is the normalized shape a Source Adapter produces for one
// parsed session, prior to being upserted.
type SessionInput struct {
	SessionID   string
	ProjectPath string
	Cwd         string
	Model       string
	Channel     string
	FileMtime   int64
	FileSize    int64
	Meta        string
	SessionType string
	Source      string
}

// MessageInput is the normalized shape a Source Adapter produces for one
// parsed message, prior to being inserted.
type MessageInput struct {
	UUID        string
	Type        MessageType
	ContentText string
	ContentFull string
	Timestamp   int64
	Sequence    int64
	Source      string
	Channel     string
	Model       string
	ToolCallID  string
	ToolName    string
	ToolArgs    string
	Raw         string
}
