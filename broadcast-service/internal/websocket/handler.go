package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development (use proper CORS in production)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(manager *Manager) *Handler {
	return &Handler{
		manager: manager,
		logger:  manager.logger,
	}
}

type welcomeMessage struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
	ClientID  string `json:"client_id"`
}

type statsResponse struct {
	AuctionID   string `json:"auction_id"`
	Subscribers int    `json:"subscribers"`
}

// SetupRoutes configures WebSocket routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// WebSocket endpoint: /ws/auctions/{id}
	router.HandleFunc("/ws/auctions/{id}", h.HandleWebSocket)

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// Stats endpoint
	router.HandleFunc("/stats/auctions/{id}", h.GetStats).Methods("GET")

	return router
}

// HandleWebSocket upgrades HTTP connection to WebSocket
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]

	// Upgrade connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}

	client := NewClient(uuid.New().String(), auctionID, conn)

	// The welcome message is queued before registration so it is always first
	welcome, _ := json.Marshal(welcomeMessage{
		Type:      "connected",
		AuctionID: auctionID,
		ClientID:  client.ID,
	})
	client.Send <- welcome

	h.manager.RegisterClient(client)

	go client.writePump()
	go client.readPump(h.manager)
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "broadcast-service",
	})
}

// GetStats returns the number of clients watching an auction
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	respondJSON(w, http.StatusOK, statsResponse{
		AuctionID:   auctionID,
		Subscribers: h.manager.GetSubscriberCount(auctionID),
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
