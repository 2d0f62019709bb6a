package websocket

// Message defines the structure for websocket messages.
type Message struct {
	Action  string      `json:"action"` // e.g., "backup.progress", "backup.failure"
	Payload interface{} `json:"payload"`
}
