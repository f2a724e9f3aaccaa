package models

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is one owner-scoped deliberation thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// ConversationMetadata is the list-view projection. MessageCount counts
// user questions only, not assistant answers.
type ConversationMetadata struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// Message is one entry in a conversation transcript. A user message
// carries Content; an assistant message carries the stage artifacts.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"-"`
	Role           string          `json:"role"`
	Content        string          `json:"content,omitempty"`
	Stage1         []StageResponse `json:"stage1,omitempty"`
	Stage15        []StageResponse `json:"stage1_5,omitempty"`
	Stage2         []StageRanking  `json:"stage2,omitempty"`
	Stage3         *StageFinal     `json:"stage3,omitempty"`
	Mode           string          `json:"mode,omitempty"`
	IsRerun        bool            `json:"is_rerun,omitempty"`
	RerunInput     string          `json:"rerun_input,omitempty"`
	RevisionNumber int             `json:"revision_number,omitempty"`
	ParentID       *int64          `json:"parent_message_id,omitempty"`
	ContextSummary *ContextSummary `json:"context_summary,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// User is the owning principal of conversations and credits.
type User struct {
	ID        string    `json:"user_id"`
	Email     string    `json:"email"`
	Credits   int       `json:"credits"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"-"`
}

// AttachmentKind values for pre-processed attachments.
const (
	AttachmentImage    = "image"
	AttachmentDocument = "document"
)

// Attachment is a file already pre-processed by the upload pipeline:
// images arrive as data URIs, documents as extracted text.
type Attachment struct {
	Filename      string `json:"filename"`
	Kind          string `json:"kind"`
	DataURI       string `json:"data_uri,omitempty"`
	ExtractedText string `json:"extracted_text,omitempty"`
}
