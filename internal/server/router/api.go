package router

import (
	"net/http"

	"github.com/babelcloud/gbox/packages/arstream/internal/server/handlers"
)

// APIRouter handles all /api/* routes
type APIRouter struct {
	api     *handlers.APIHandlers
	devices *handlers.DeviceHandlers
	streams *handlers.StreamHandlers
}

// RegisterRoutes registers all API routes. server must implement both
// handlers.ServerService and handlers.DeviceService.
func (r *APIRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	serverService := server.(handlers.ServerService)
	deviceService := server.(handlers.DeviceService)

	r.api = handlers.NewAPIHandlers(serverService)
	r.devices = handlers.NewDeviceHandlers(deviceService)
	r.streams = handlers.NewStreamHandlers(deviceService)

	// Health and status endpoints
	mux.HandleFunc("GET /api/health", r.api.HandleHealth)
	mux.HandleFunc("GET /api/status", r.api.HandleStatus)
	mux.HandleFunc("POST /api/server/shutdown", r.api.HandleServerShutdown)

	// Device sessions
	mux.HandleFunc("GET /api/devices", r.devices.HandleDeviceList)
	mux.HandleFunc("POST /api/devices/{serial}", r.devices.HandleDeviceAttach)
	mux.HandleFunc("DELETE /api/devices/{serial}", r.devices.HandleDeviceDetach)
	mux.HandleFunc("GET /api/sessions/{session}", r.devices.HandleSessionLookup)

	// Streams
	mux.HandleFunc("POST /api/devices/{serial}/streams", r.streams.HandleStreamOpen)
	mux.HandleFunc("GET /api/devices/{serial}/streams", r.streams.HandleStreamList)
	mux.HandleFunc("DELETE /api/devices/{serial}/streams/{id}", r.streams.HandleStreamStop)
	mux.HandleFunc("GET /api/devices/{serial}/streams/{id}/events", r.streams.HandleStreamEvents)
}

// GetPathPrefix returns the path prefix for this router
func (r *APIRouter) GetPathPrefix() string {
	return "/api"
}
