package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/monosecom/services/telemetry/internal/core"
	"example.com/monosecom/services/telemetry/internal/protocol"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry) *APIHandlers {
	return &APIHandlers{services: services}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "telemetry-api",
	})
}

// --- Ingest Endpoints ---

// IngestUplink receives one base64-encoded binary frame from the cellular
// gateway. The SIM identifier travels in the X-ICCID header.
func (h *APIHandlers) IngestUplink(c *gin.Context) {
	iccid := c.GetHeader("X-ICCID")
	if iccid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-ICCID header required"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 4096))
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty or unreadable payload"})
		return
	}

	result, err := h.services.Ingest.HandleUplink(c.Request.Context(), iccid, payload)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrStrayTelemetry):
			// Recorded for audit; the gateway must not retry.
			c.JSON(http.StatusOK, gin.H{"status": "stray"})
		case errors.Is(err, core.ErrMalformedFrame):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrDeviceInactive):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process uplink"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "processed",
		"events": len(result.Events),
	})
}

// SigfoxCallback receives one Sigfox backend callback for a tag device.
func (h *APIHandlers) SigfoxCallback(c *gin.Context) {
	var msg core.TagMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	if _, err := h.services.Ingest.HandleTagMessage(c.Request.Context(), &msg); err != nil {
		switch {
		case errors.Is(err, core.ErrStrayTelemetry):
			c.JSON(http.StatusOK, gin.H{"status": "stray"})
		case errors.Is(err, core.ErrMalformedFrame):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process callback"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// --- Device Management Endpoints ---

// RegisterDevice handles new device registration
func (h *APIHandlers) RegisterDevice(c *gin.Context) {
	var device core.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	if err := h.services.Devices.Register(c.Request.Context(), &device); err != nil {
		var businessErr *core.BusinessError
		switch {
		case errors.Is(err, core.ErrDeviceAlreadyExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.As(err, &businessErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": businessErr.Message, "code": businessErr.Code})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		}
		return
	}

	c.JSON(http.StatusCreated, device)
}

// UpdateDevice updates registry fields of a device
func (h *APIHandlers) UpdateDevice(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}

	device, err := h.services.Devices.Get(c.Request.Context(), uint(id))
	if err != nil {
		h.deviceError(c, err)
		return
	}

	if err := c.ShouldBindJSON(device); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}
	device.ID = uint(id)

	if err := h.services.Devices.Update(c.Request.Context(), device); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update device"})
		return
	}

	c.JSON(http.StatusOK, device)
}

// GetDevice retrieves device details
func (h *APIHandlers) GetDevice(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}

	device, err := h.services.Devices.Get(c.Request.Context(), uint(id))
	if err != nil {
		h.deviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, device)
}

// ListDevices returns all registered devices
func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices, err := h.services.Devices.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDeviceState returns the current judged state of a device
func (h *APIHandlers) GetDeviceState(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}

	device, err := h.services.Devices.Get(c.Request.Context(), uint(id))
	if err != nil {
		h.deviceError(c, err)
		return
	}

	if device.DeviceType == core.DeviceTypeUnaTag {
		state, err := h.services.Devices.TagState(c.Request.Context(), uint(id))
		if err != nil {
			h.deviceError(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
		return
	}

	state, err := h.services.Devices.State(c.Request.Context(), uint(id))
	if err != nil {
		h.deviceError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// GetDeviceHistory returns events for a device within a time window
func (h *APIHandlers) GetDeviceHistory(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := h.services.Devices.History(c.Request.Context(), uint(id), from, to, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// --- Remote Control Endpoints ---

type controlRequestBody struct {
	Terminal int     `json:"terminal" binding:"required"`
	Action   string  `json:"action" binding:"required"`
	Duration float64 `json:"duration_seconds"`
	Trigger  string  `json:"trigger"`
	ExecUser string  `json:"exec_user"`
}

// ExecuteControl issues a DO control command to a device. The optional
// wait query parameter blocks until acknowledgement ("ack") or link
// confirmation ("link").
func (h *APIHandlers) ExecuteControl(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return
	}

	var body controlRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	trigger := body.Trigger
	if trigger == "" {
		trigger = core.ControlTriggerManual
	}

	input := &core.ControlInput{
		DeviceID: uint(id),
		Terminal: body.Terminal,
		Action:   protocol.ControlAction(body.Action),
		Duration: time.Duration(body.Duration * float64(time.Second)),
		Trigger:  trigger,
		ExecUser: body.ExecUser,
	}

	record, err := h.services.Control.Execute(c.Request.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrDeviceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrDeviceInactive), errors.Is(err, core.ErrNoControlTerminal):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrControlInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrPublisherUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to execute control"})
		}
		return
	}

	switch c.Query("wait") {
	case "ack":
		record, err = h.services.Control.WaitForAck(c.Request.Context(), record.DeviceReqNo)
	case "link":
		record, err = h.services.Control.WaitForLinkConfirm(c.Request.Context(), record.DeviceReqNo)
	}
	if err != nil && !errors.Is(err, c.Request.Context().Err()) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to wait for control result"})
		return
	}

	c.JSON(http.StatusAccepted, record)
}

// GetControl returns one control request by its device-scoped key
func (h *APIHandlers) GetControl(c *gin.Context) {
	record, err := h.services.Control.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, core.ErrControlNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get control request"})
		return
	}

	c.JSON(http.StatusOK, record)
}

// --- Admin Endpoints ---

// ListStrays returns the stray telemetry audit trail
func (h *APIHandlers) ListStrays(c *gin.Context) {
	unreplayedOnly := c.DefaultQuery("unreplayed", "false") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	strays, err := h.services.Ingest.ListStrays(c.Request.Context(), unreplayedOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list strays"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"strays": strays,
		"count":  len(strays),
	})
}

// GetSystemStats returns ingest pipeline counters
func (h *APIHandlers) GetSystemStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ingest":    h.services.Ingest.Stats(),
		"timestamp": time.Now(),
	})
}

func (h *APIHandlers) deviceError(c *gin.Context, err error) {
	if errors.Is(err, core.ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
