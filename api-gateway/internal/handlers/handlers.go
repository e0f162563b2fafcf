package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/aaronwang/live-auction/api-gateway/internal/service"
	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/logging"
	"github.com/aaronwang/live-auction/shared/models"
)

// AdminHeader carries the identity of the operator for manual transitions.
// Authentication happens upstream.
const AdminHeader = "X-Admin-ID"

// Handler contains HTTP request handlers
type Handler struct {
	bidding  *service.BiddingService
	auctions *service.AuctionService
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new HTTP handler
func NewHandler(bidding *service.BiddingService, auctions *service.AuctionService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		bidding:  bidding,
		auctions: auctions,
		logger:   logger.With("component", "http"),
		now:      time.Now,
	}
}

// AuctionView is an auction snapshot plus the client countdown
type AuctionView struct {
	*models.Auction
	RemainingSeconds int64 `json:"remaining_seconds"`
	ParticipantCount int   `json:"participant_count"`
}

type joinRequest struct {
	SessionID  string `json:"session_id"`
	BidderID   string `json:"bidder_id"`
	BidderName string `json:"bidder_name"`
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions", h.CreateAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}", h.GetAuction).Methods("GET")
	api.HandleFunc("/auctions/{id}/bids", h.PlaceBid).Methods("POST")
	api.HandleFunc("/auctions/{id}/start", h.StartAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}/end", h.EndAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}/cancel", h.CancelAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}/participants", h.Join).Methods("POST")
	api.HandleFunc("/auctions/{id}/participants/{session}", h.Leave).Methods("DELETE")

	// Middleware
	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "api-gateway",
		"time":    h.now().UTC().Format(time.RFC3339),
	})
}

// CreateAuction registers a new upcoming auction
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req service.CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	a, err := h.auctions.CreateAuction(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, h.view(a))
}

// GetAuction returns the auction snapshot
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := h.auctions.GetAuction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, h.view(a))
}

// PlaceBid handles bid placement requests
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]

	// Parse request body
	var bidReq models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&bidReq); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	amount, err := bidReq.Amount.Int64()
	if err != nil {
		respondJSON(w, http.StatusBadRequest, rejection(models.RejectInvalidAmount, 0, nil))
		return
	}

	bidder := models.Bidder{ID: bidReq.BidderID, Name: bidReq.BidderName}
	outcome, err := h.bidding.PlaceBid(r.Context(), auctionID, bidder, amount)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	if !outcome.Accepted {
		status := http.StatusConflict
		if outcome.Reason == models.RejectInvalidAmount {
			status = http.StatusBadRequest
		}
		resp := rejection(outcome.Reason, outcome.CurrentPrice, outcome.HighestBidder)
		resp.YourBid = amount
		respondJSON(w, status, resp)
		return
	}

	respondJSON(w, http.StatusCreated, models.BidResponse{
		Success:       true,
		Message:       "Bid placed successfully",
		CurrentPrice:  outcome.CurrentPrice,
		YourBid:       amount,
		IsHighest:     true,
		HighestBidder: outcome.HighestBidder,
	})
}

// StartAuction starts an upcoming auction immediately
func (h *Handler) StartAuction(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.auctions.StartAuction)
}

// EndAuction closes a live auction immediately
func (h *Handler) EndAuction(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.auctions.EndAuction)
}

// CancelAuction withdraws an auction
func (h *Handler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.auctions.CancelAuction)
}

// Join adds a session to the auction room
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	bidder := models.Bidder{ID: req.BidderID, Name: req.BidderName}
	a, err := h.auctions.Join(r.Context(), mux.Vars(r)["id"], req.SessionID, bidder)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, h.view(a))
}

// Leave removes a session from the auction room
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, err := h.auctions.Leave(r.Context(), vars["id"], vars["session"])
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, h.view(a))
}

type transitionFunc func(ctx context.Context, id, adminID string) (*models.Auction, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	adminID := r.Header.Get(AdminHeader)
	if adminID == "" {
		respondError(w, http.StatusBadRequest, AdminHeader+" header is required")
		return
	}

	a, err := fn(r.Context(), mux.Vars(r)["id"], adminID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, h.view(a))
}

func (h *Handler) view(a *models.Auction) AuctionView {
	return AuctionView{
		Auction:          a,
		RemainingSeconds: a.RemainingSeconds(h.now()),
		ParticipantCount: a.ParticipantCount(),
	}
}

func rejection(reason models.RejectReason, price int64, leader *models.Bidder) models.BidResponse {
	return models.BidResponse{
		Success:       false,
		Message:       reason.Message(),
		Reason:        reason,
		CurrentPrice:  price,
		HighestBidder: leader,
	}
}

// respondServiceError maps the service error taxonomy onto status codes
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Error(),
			"field": verr.Field,
		})
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Auction not found")
	case errors.Is(err, service.ErrDuplicateAuction),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAlreadyClosed):
		respondError(w, http.StatusConflict, err.Error())
	case service.IsTransient(err):
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal error")
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
