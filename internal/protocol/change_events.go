package protocol

// Directory change topics broadcast on the local API event feed.
const (
	TopicProjectCreated = "project_created"
	TopicFileCreated    = "file_created"
	TopicFileUpdated    = "file_updated"
	TopicSessionCreated = "session_created"
)

// ChangePayload identifies what a directory change touched. Only the fields
// relevant to the topic are set.
type ChangePayload struct {
	ProjectID string `json:"project_id,omitempty"`
	FileID    string `json:"file_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Name      string `json:"name,omitempty"`
}
