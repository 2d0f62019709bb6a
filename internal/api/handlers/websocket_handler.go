package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	ws "github.com/isdelr/backupsync/internal/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler upgrades HTTP connections and subscribes them to a job topic.
type WebSocketHandler struct {
	hub          *ws.Hub
	defaultTopic string
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(hub *ws.Hub, defaultTopic string) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, defaultTopic: defaultTopic}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (consider tightening this in production).
		return true
	},
}

// Serve handles the WebSocket connection request. ?topic= selects the job,
// defaulting to the backup job.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = h.defaultTopic
	}

	client := ws.NewClient(h.hub, conn, topic)
	h.hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
