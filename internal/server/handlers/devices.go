package handlers

import (
	"net/http"
)

// DeviceHandlers serves device session endpoints
type DeviceHandlers struct {
	devices DeviceService
}

func NewDeviceHandlers(devices DeviceService) *DeviceHandlers {
	return &DeviceHandlers{devices: devices}
}

// HandleDeviceList lists attached devices
func (h *DeviceHandlers) HandleDeviceList(w http.ResponseWriter, req *http.Request) {
	devices := h.devices.ListDevices()
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"devices": devices,
		"count":   len(devices),
	})
}

// HandleDeviceAttach opens a session for a device. Attaching an attached
// device returns the existing session.
func (h *DeviceHandlers) HandleDeviceAttach(w http.ResponseWriter, req *http.Request) {
	serial := req.PathValue("serial")
	if !isValidDeviceSerial(serial) {
		respondBadRequest(w, "invalid device serial")
		return
	}

	device, err := h.devices.AttachDevice(serial)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"device":  device,
	})
}

// HandleDeviceDetach tears a device session down, closing its streams
func (h *DeviceHandlers) HandleDeviceDetach(w http.ResponseWriter, req *http.Request) {
	serial := req.PathValue("serial")
	if err := h.devices.DetachDevice(serial); err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "device detached",
	})
}

// HandleSessionLookup resolves a session token to its device
func (h *DeviceHandlers) HandleSessionLookup(w http.ResponseWriter, req *http.Request) {
	serial, ok := h.devices.SerialBySession(req.PathValue("session"))
	if !ok {
		RespondError(w, ErrDeviceNotFound)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"serial":  serial,
	})
}
