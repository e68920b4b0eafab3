package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatchd/internal/domain"
	"dispatchd/internal/negotiation"
	"dispatchd/internal/ranking"
	"dispatchd/internal/service"
)

// RequestHandler handles HTTP requests for dispatch requests and their negotiation.
type RequestHandler struct {
	coordinator *service.DispatchCoordinator
}

// NewRequestHandler creates a new RequestHandler.
func NewRequestHandler(coordinator *service.DispatchCoordinator) *RequestHandler {
	return &RequestHandler{coordinator: coordinator}
}

// CreateRequestRequest is the HTTP request body for submitting a request.
type CreateRequestRequest struct {
	ClientID      string           `json:"client_id"`
	Kind          string           `json:"kind"`
	VehicleClass  string           `json:"vehicle_class,omitempty"`
	Origin        domain.Location  `json:"origin"`
	Destination   *domain.Location `json:"destination,omitempty"`
	ProposedPrice int64            `json:"proposed_price"`
}

// SubmitBidRequest is the HTTP request body for a driver response.
type SubmitBidRequest struct {
	DriverID     string `json:"driver_id"`
	Kind         string `json:"kind"`
	OfferedPrice int64  `json:"offered_price,omitempty"`
}

// AcceptOfferRequest is the HTTP request body for accepting a driver offer.
type AcceptOfferRequest struct {
	DriverID string `json:"driver_id"`
}

// RequestResponse is the HTTP response for a request.
type RequestResponse struct {
	ID            string           `json:"id"`
	ClientID      string           `json:"client_id"`
	Kind          string           `json:"kind"`
	VehicleClass  string           `json:"vehicle_class,omitempty"`
	Origin        domain.Location  `json:"origin"`
	Destination   *domain.Location `json:"destination,omitempty"`
	ProposedPrice int64            `json:"proposed_price"`
	Status        string           `json:"status"`
	AttemptCount  int              `json:"attempt_count"`
	AwaitingRetry bool             `json:"awaiting_retry"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
}

// DispatchResponse describes the first dispatch attempt of a new request.
type DispatchResponse struct {
	Outcome      string   `json:"outcome"`
	Attempt      int      `json:"attempt"`
	RadiusMeters float64  `json:"radius_meters"`
	Candidates   []string `json:"candidates"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
}

// CreateRequestResponse is the HTTP response for submitting a request.
type CreateRequestResponse struct {
	Request  RequestResponse  `json:"request"`
	Dispatch DispatchResponse `json:"dispatch"`
}

// BidResponse is the HTTP response for one bid.
type BidResponse struct {
	ID           string `json:"id"`
	RequestID    string `json:"request_id"`
	DriverID     string `json:"driver_id"`
	Actor        string `json:"actor"`
	Kind         string `json:"kind"`
	OfferedPrice int64  `json:"offered_price"`
	SubmittedAt  string `json:"submitted_at"`
}

// SubmitBidResponse is the HTTP response for a driver response.
type SubmitBidResponse struct {
	Bid   BidResponse `json:"bid"`
	State string      `json:"state"`
	Top   bool        `json:"top"`
}

// OfferResponse is one ranked live offer.
type OfferResponse struct {
	BidResponse
	Score float64 `json:"score"`
}

// OffersResponse is the HTTP response for a negotiation snapshot.
type OffersResponse struct {
	RequestID  string          `json:"request_id"`
	State      string          `json:"state"`
	OpenedAt   string          `json:"opened_at"`
	ExpiresAt  string          `json:"expires_at"`
	Candidates []string        `json:"candidates"`
	Offers     []OfferResponse `json:"offers"`
}

// AssignmentResponse is the HTTP response for an assignment.
type AssignmentResponse struct {
	RequestID   string `json:"request_id"`
	DriverID    string `json:"driver_id"`
	FinalPrice  int64  `json:"final_price"`
	PlatformFee int64  `json:"platform_fee"`
	PartnerFee  int64  `json:"partner_fee"`
	DriverNet   int64  `json:"driver_net"`
	PartnerID   string `json:"partner_id,omitempty"`
	AssignedAt  string `json:"assigned_at"`
}

// Create handles POST /v1/requests
func (h *RequestHandler) Create(c *gin.Context) {
	var req CreateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	created, outcome, err := h.coordinator.SubmitRequest(c.Request.Context(), service.SubmitRequestInput{
		ClientID:      req.ClientID,
		Kind:          domain.RequestKind(req.Kind),
		VehicleClass:  domain.VehicleClass(req.VehicleClass),
		Origin:        req.Origin,
		Destination:   req.Destination,
		ProposedPrice: req.ProposedPrice,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	candidates := outcome.Candidates
	if candidates == nil {
		candidates = []string{}
	}

	// The first dispatch may have already moved the request on.
	if latest, err := h.coordinator.Request(c.Request.Context(), created.ID); err == nil {
		created = latest
	}

	respondJSON(c, http.StatusCreated, CreateRequestResponse{
		Request: toRequestResponse(created),
		Dispatch: DispatchResponse{
			Outcome:      string(outcome.Status),
			Attempt:      outcome.Attempt,
			RadiusMeters: outcome.RadiusMeters,
			Candidates:   candidates,
			ExpiresAt:    formatTime(outcome.ExpiresAt),
		},
	})
}

// Get handles GET /v1/requests/:id
func (h *RequestHandler) Get(c *gin.Context) {
	req, err := h.coordinator.Request(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toRequestResponse(req))
}

// Offers handles GET /v1/requests/:id/offers
func (h *RequestHandler) Offers(c *gin.Context) {
	snap, err := h.coordinator.Offers(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toOffersResponse(snap))
}

// Bids handles GET /v1/requests/:id/bids
func (h *RequestHandler) Bids(c *gin.Context) {
	bids, err := h.coordinator.Bids(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	response := make([]BidResponse, 0, len(bids))
	for _, b := range bids {
		response = append(response, toBidResponse(*b))
	}
	respondJSON(c, http.StatusOK, response)
}

// SubmitBid handles POST /v1/requests/:id/bids
func (h *RequestHandler) SubmitBid(c *gin.Context) {
	var req SubmitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	res, err := h.coordinator.SubmitBid(c.Request.Context(), service.SubmitBidInput{
		RequestID:    c.Param("id"),
		DriverID:     req.DriverID,
		Kind:         domain.BidKind(req.Kind),
		OfferedPrice: req.OfferedPrice,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, SubmitBidResponse{
		Bid:   toBidResponse(res.Bid),
		State: string(res.State),
		Top:   res.Top,
	})
}

// Accept handles POST /v1/requests/:id/accept
func (h *RequestHandler) Accept(c *gin.Context) {
	var req AcceptOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	a, err := h.coordinator.AcceptOffer(c.Request.Context(), c.Param("id"), req.DriverID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusCreated, toAssignmentResponse(a))
}

// Assignment handles GET /v1/requests/:id/assignment
func (h *RequestHandler) Assignment(c *gin.Context) {
	a, err := h.coordinator.Assignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toAssignmentResponse(a))
}

// Cancel handles POST /v1/requests/:id/cancel
func (h *RequestHandler) Cancel(c *gin.Context) {
	req, err := h.coordinator.CancelRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, toRequestResponse(req))
}

func toRequestResponse(r *domain.Request) RequestResponse {
	return RequestResponse{
		ID:            r.ID,
		ClientID:      r.ClientID,
		Kind:          string(r.Kind),
		VehicleClass:  string(r.VehicleClass),
		Origin:        r.Origin,
		Destination:   r.Destination,
		ProposedPrice: r.ProposedPrice,
		Status:        string(r.Status),
		AttemptCount:  r.AttemptCount,
		AwaitingRetry: r.AwaitingRetry(),
		FailureReason: r.FailureReason,
		CreatedAt:     formatTime(r.CreatedAt),
		UpdatedAt:     formatTime(r.UpdatedAt),
	}
}

func toBidResponse(b domain.Bid) BidResponse {
	return BidResponse{
		ID:           b.ID,
		RequestID:    b.RequestID,
		DriverID:     b.DriverID,
		Actor:        string(b.Actor),
		Kind:         string(b.Kind),
		OfferedPrice: b.OfferedPrice,
		SubmittedAt:  formatTime(b.SubmittedAt),
	}
}

func toOffersResponse(s negotiation.Snapshot) OffersResponse {
	offers := make([]OfferResponse, 0, len(s.Offers))
	for _, o := range s.Offers {
		offers = append(offers, toOfferResponse(o))
	}
	return OffersResponse{
		RequestID:  s.RequestID,
		State:      string(s.State),
		OpenedAt:   formatTime(s.OpenedAt),
		ExpiresAt:  formatTime(s.ExpiresAt),
		Candidates: s.Candidates,
		Offers:     offers,
	}
}

func toOfferResponse(o ranking.Scored) OfferResponse {
	return OfferResponse{BidResponse: toBidResponse(o.Bid), Score: o.Score}
}

func toAssignmentResponse(a *domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		RequestID:   a.RequestID,
		DriverID:    a.DriverID,
		FinalPrice:  a.FinalPrice,
		PlatformFee: a.Split.PlatformFee,
		PartnerFee:  a.Split.PartnerFee,
		DriverNet:   a.Split.DriverNet,
		PartnerID:   a.Split.PartnerID,
		AssignedAt:  formatTime(a.AssignedAt),
	}
}
