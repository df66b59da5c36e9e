package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vitaltrack/healthsync/models"
)

type handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewMux builds the HTTP routing table over the service.
func NewMux(svc *Service, logger *zap.Logger) *http.ServeMux {
	h := &handler{svc: svc, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/devices", h.registerDevice)
	mux.HandleFunc("GET /api/devices", h.listDevices)
	mux.HandleFunc("GET /api/devices/{id}", h.deviceStatus)
	mux.HandleFunc("DELETE /api/devices/{id}", h.disconnectDevice)
	mux.HandleFunc("POST /api/devices/{id}/sync", h.triggerSync)
	mux.HandleFunc("PUT /api/devices/{id}/schedule", h.updateSchedule)
	mux.HandleFunc("GET /api/devices/{id}/logs", h.syncHistory)
	mux.HandleFunc("GET /api/users/{id}/conflicts", h.conflicts)
	mux.HandleFunc("GET /api/users/{id}/correlations", h.correlations)

	return mux
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerDeviceRequest struct {
	models.WearableDevice
	FrequencySeconds int64 `json:"frequency_seconds"`
}

func (h *handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	frequency := time.Duration(req.FrequencySeconds) * time.Second

	if err := h.svc.RegisterDevice(r.Context(), &req.WearableDevice, frequency); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			h.writeError(w, http.StatusConflict, err)
			return
		}

		h.writeError(w, http.StatusBadRequest, err)

		return
	}

	writeJSON(w, http.StatusCreated, req.WearableDevice)
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}

	devices, err := h.svc.Devices(r.Context(), userID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, devices)
}

func (h *handler) deviceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.notFoundOr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *handler) disconnectDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Disconnect(r.Context(), r.PathValue("id")); err != nil {
		h.notFoundOr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	if err := h.svc.TriggerSync(r.Context(), deviceID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}

		h.writeError(w, http.StatusConflict, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"device_id": deviceID, "status": "queued"})
}

type updateScheduleRequest struct {
	FrequencySeconds int64 `json:"frequency_seconds"`
	AutoSync         bool  `json:"auto_sync"`
}

func (h *handler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	frequency := time.Duration(req.FrequencySeconds) * time.Second

	err := h.svc.UpdateSchedule(r.Context(), r.PathValue("id"), frequency, req.AutoSync)
	if err != nil {
		h.notFoundOr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) syncHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.SyncHistory(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) conflicts(w http.ResponseWriter, r *http.Request) {
	resolutions, err := h.svc.Conflicts(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, resolutions)
}

func (h *handler) correlations(w http.ResponseWriter, r *http.Request) {
	analyses, err := h.svc.Correlations(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, analyses)
}

func (h *handler) notFoundOr(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}

	h.writeError(w, http.StatusInternalServerError, err)
}

func (h *handler) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}

	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(payload)
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}

	return limit
}
