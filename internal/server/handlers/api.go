package handlers

import (
	"net/http"
	"time"

	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

// APIHandlers serves the server level endpoints
type APIHandlers struct {
	serverService ServerService
}

// NewAPIHandlers creates a new API handlers instance
func NewAPIHandlers(serverSvc ServerService) *APIHandlers {
	return &APIHandlers{serverService: serverSvc}
}

func (h *APIHandlers) HandleHealth(w http.ResponseWriter, req *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "arstream-server",
	})
}

func (h *APIHandlers) HandleStatus(w http.ResponseWriter, req *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"running": h.serverService.IsRunning(),
		"port":    h.serverService.GetPort(),
		"uptime":  h.serverService.GetUptime().Round(time.Second).String(),
		"version": h.serverService.GetVersion(),
	})
}

func (h *APIHandlers) HandleServerShutdown(w http.ResponseWriter, req *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Server shutting down",
	})

	// Stop after the response has been flushed
	go func() {
		time.Sleep(100 * time.Millisecond)
		if err := h.serverService.Stop(); err != nil {
			util.GetLogger().Error("Server shutdown failed", "error", err)
		}
	}()
}
