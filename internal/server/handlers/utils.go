package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
)

// RespondJSON sends a JSON response with the given status code and data
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// RespondError maps err to a status code and sends it as {"success":false,"error":...}
func RespondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrStreamNotFound):
		status = http.StatusNotFound
	case errors.Is(err, stream.ErrControllerClosed):
		status = http.StatusGone
	}
	RespondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

func respondBadRequest(w http.ResponseWriter, msg string) {
	RespondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

func isValidDeviceSerial(serial string) bool {
	if len(serial) < 3 || len(serial) > 64 {
		return false
	}

	// Allow alphanumeric, dots, dashes, underscores and the colon of host:port serials
	for _, c := range serial {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' || c == ':') {
			return false
		}
	}
	return true
}

func parseStreamID(s string) (stream.ID, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return stream.ID(n), true
}
