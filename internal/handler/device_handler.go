package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vnipet/device-auth/internal/models"
	appErrors "github.com/vnipet/device-auth/pkg/errors"
	"github.com/vnipet/device-auth/pkg/response"
)

type ownerDeviceService interface {
	ListForOwner(ctx context.Context, ref models.IdentityRef) ([]models.DeviceRecord, error)
	EnqueueSession(ref models.IdentityRef, deviceID string, durationSeconds int64)
	RegisterPushDestination(ctx context.Context, principal *models.Principal, req models.PushDestinationRequest) (*models.DeviceRecord, error)
	RemovePushDestination(ctx context.Context, principal *models.Principal, token string) (*models.DeviceRecord, error)
	SetBiometric(ctx context.Context, principal *models.Principal, req models.BiometricRequest) (*models.DeviceRecord, error)
}

// DeviceHandler exposes device endpoints for owners acting on their own devices.
type DeviceHandler struct {
	service ownerDeviceService
}

// NewDeviceHandler constructs a DeviceHandler.
func NewDeviceHandler(svc ownerDeviceService) *DeviceHandler {
	return &DeviceHandler{service: svc}
}

// List godoc
// @Summary List my devices
// @Tags Devices
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /devices [get]
func (h *DeviceHandler) List(c *gin.Context) {
	principal := principalFromContext(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	devices, err := h.service.ListForOwner(c.Request.Context(), principal.Ref())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, devices, map[string]interface{}{"total": len(devices)})
}

// RecordActivity godoc
// @Summary Report a closed session
// @Description Queue a session-close event for the caller's device
// @Tags Devices
// @Accept json
// @Security BearerAuth
// @Param payload body models.SessionActivityRequest true "Session payload"
// @Success 202
// @Failure 400 {object} response.Envelope
// @Router /devices/activity [post]
func (h *DeviceHandler) RecordActivity(c *gin.Context) {
	principal := principalFromContext(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.SessionActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid activity payload"))
		return
	}

	h.service.EnqueueSession(principal.Ref(), principal.DeviceID, req.DurationSeconds)
	response.Accepted(c)
}

// RegisterPushDestination godoc
// @Summary Register push destination
// @Tags Devices
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body models.PushDestinationRequest true "Push destination"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /devices/push-destinations [post]
func (h *DeviceHandler) RegisterPushDestination(c *gin.Context) {
	principal := principalFromContext(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.PushDestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid push destination payload"))
		return
	}

	device, err := h.service.RegisterPushDestination(c.Request.Context(), principal, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, device)
}

// RemovePushDestination godoc
// @Summary Deactivate push destination
// @Tags Devices
// @Produce json
// @Security BearerAuth
// @Param token path string true "Push token"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /devices/push-destinations/{token} [delete]
func (h *DeviceHandler) RemovePushDestination(c *gin.Context) {
	principal := principalFromContext(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	device, err := h.service.RemovePushDestination(c.Request.Context(), principal, c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, device)
}

// SetBiometric godoc
// @Summary Toggle biometric unlock
// @Tags Devices
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body models.BiometricRequest true "Biometric flag"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /devices/biometric [put]
func (h *DeviceHandler) SetBiometric(c *gin.Context) {
	principal := principalFromContext(c)
	if principal == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.BiometricRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid biometric payload"))
		return
	}

	device, err := h.service.SetBiometric(c.Request.Context(), principal, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, device)
}
