package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dispatchd/internal/domain"
	"dispatchd/internal/notify"
	"dispatchd/internal/service"
)

// DriverHandler handles HTTP requests for drivers.
type DriverHandler struct {
	driverService *service.DriverService
}

// NewDriverHandler creates a new DriverHandler.
func NewDriverHandler(driverService *service.DriverService) *DriverHandler {
	return &DriverHandler{driverService: driverService}
}

// UpdateLocationRequest is the HTTP request body for updating driver location.
type UpdateLocationRequest struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Heading   float64 `json:"heading,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"` // unix millis
}

// UpdateProfileRequest is the HTTP request body for a driver profile.
type UpdateProfileRequest struct {
	VehicleClass  string  `json:"vehicle_class"`
	Rating        float64 `json:"rating"`
	CompletedJobs int     `json:"completed_jobs"`
	Available     bool    `json:"available"`
}

// SetAvailabilityRequest is the HTTP request body for going on or off duty.
type SetAvailabilityRequest struct {
	Available *bool `json:"available"`
}

// UpdateLocation handles POST /v1/drivers/:id/location
func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	var req UpdateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	err := h.driverService.UpdateLocation(c.Request.Context(), service.UpdateLocationRequest{
		DriverID:  c.Param("id"),
		Lat:       req.Lat,
		Lng:       req.Lng,
		Heading:   req.Heading,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// UpdateProfile handles PUT /v1/drivers/:id/profile
func (h *DriverHandler) UpdateProfile(c *gin.Context) {
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	err := h.driverService.UpdateProfile(c.Request.Context(), domain.DriverProfile{
		DriverID:      c.Param("id"),
		VehicleClass:  domain.VehicleClass(req.VehicleClass),
		Rating:        req.Rating,
		CompletedJobs: req.CompletedJobs,
		Available:     req.Available,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// SetAvailability handles POST /v1/drivers/:id/availability
func (h *DriverHandler) SetAvailability(c *gin.Context) {
	var req SetAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if err := h.driverService.SetAvailability(c.Request.Context(), c.Param("id"), *req.Available); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// StreamHandler upgrades drivers and clients to a websocket notification feed.
type StreamHandler struct {
	hub      *notify.Hub
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(hub *notify.Hub) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Connect handles GET /v1/drivers/:id/ws and GET /v1/clients/:id/ws
func (h *StreamHandler) Connect(c *gin.Context) {
	recipientID := c.Param("id")
	if recipientID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "recipient id required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	h.hub.Serve(recipientID, conn)
}
