package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vnipet/device-auth/internal/models"
	"github.com/vnipet/device-auth/internal/service"
	appErrors "github.com/vnipet/device-auth/pkg/errors"
	"github.com/vnipet/device-auth/pkg/response"
)

type adminDeviceService interface {
	Get(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	Deactivate(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	Reactivate(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	SetTrusted(ctx context.Context, deviceID string, req models.TrustFlagRequest) (*models.DeviceRecord, error)
}

type deviceExporter interface {
	ExportDevices(ctx context.Context, format service.ExportFormat, filter models.DeviceFilter) (*service.ExportResult, error)
}

// AdminDeviceHandler exposes device administration endpoints.
type AdminDeviceHandler struct {
	service  adminDeviceService
	exporter deviceExporter
}

// NewAdminDeviceHandler constructs an AdminDeviceHandler.
func NewAdminDeviceHandler(svc adminDeviceService, exporter deviceExporter) *AdminDeviceHandler {
	return &AdminDeviceHandler{service: svc, exporter: exporter}
}

// Get godoc
// @Summary Get device
// @Tags Admin Devices
// @Produce json
// @Security BearerAuth
// @Param deviceId path string true "Device ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/devices/{deviceId} [get]
func (h *AdminDeviceHandler) Get(c *gin.Context) {
	device, err := h.service.Get(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, device)
}

// Deactivate godoc
// @Summary Deactivate device
// @Description Disable the device and revoke every refresh token bound to it
// @Tags Admin Devices
// @Produce json
// @Security BearerAuth
// @Param deviceId path string true "Device ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/devices/{deviceId}/deactivate [post]
func (h *AdminDeviceHandler) Deactivate(c *gin.Context) {
	device, err := h.service.Deactivate(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, device)
}

// Reactivate godoc
// @Summary Reactivate device
// @Tags Admin Devices
// @Produce json
// @Security BearerAuth
// @Param deviceId path string true "Device ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/devices/{deviceId}/reactivate [post]
func (h *AdminDeviceHandler) Reactivate(c *gin.Context) {
	device, err := h.service.Reactivate(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, device)
}

// SetTrusted godoc
// @Summary Set manual trust flag
// @Tags Admin Devices
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param deviceId path string true "Device ID"
// @Param payload body models.TrustFlagRequest true "Trust flag"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /admin/devices/{deviceId}/trust [put]
func (h *AdminDeviceHandler) SetTrusted(c *gin.Context) {
	var req models.TrustFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid trust payload"))
		return
	}

	device, err := h.service.SetTrusted(c.Request.Context(), c.Param("deviceId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, device)
}

// Export godoc
// @Summary Export device trust report
// @Tags Admin Devices
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param format query string false "csv or pdf"
// @Param ownerId query string false "Owner ID"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /admin/devices/export [get]
func (h *AdminDeviceHandler) Export(c *gin.Context) {
	filter := models.DeviceFilter{OwnerID: c.Query("ownerId")}
	if filter.OwnerID != "" {
		filter.OwnerRole = models.RoleOwner
	}

	result, err := h.exporter.ExportDevices(c.Request.Context(), service.ExportFormat(c.DefaultQuery("format", string(service.ExportCSV))), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.File(c, result.Filename, result.ContentType, result.Payload)
}
