package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/fault"
)

// maxBody bounds JSON request bodies
const maxBody = 1 << 20

type errorResponse struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
	Output  string     `json:"output,omitempty"`
}

// readJSON decodes a JSON request body with a size limit. Only
// application/json bodies are accepted, so a browser cannot send one
// without a CORS preflight.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Kind: fault.KindInvalidConfig, Message: "content type must be application/json"})
		return v, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Kind: fault.KindInvalidConfig, Message: "invalid request body: " + err.Error()})
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusFor maps an error kind to an HTTP status
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindInvalidConfig, fault.KindDetection, fault.KindManifestParse, fault.KindUnsupportedPlatform:
		return http.StatusBadRequest
	case fault.KindPortInUse, fault.KindNotRunning, fault.KindCancelled:
		return http.StatusConflict
	case fault.KindNoPortAvailable:
		return http.StatusServiceUnavailable
	case fault.KindNetwork, fault.KindIntegrity:
		return http.StatusBadGateway
	case fault.KindInsufficientSpace:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func toResponse(err error) errorResponse {
	return errorResponse{Kind: fault.KindOf(err), Message: err.Error(), Output: fault.OutputOf(err)}
}

// writeFault writes err as a structured error object
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	resp := toResponse(err)
	status := statusFor(resp.Kind)
	if status >= 500 {
		s.log.WithFields(logrus.Fields{"path": r.URL.Path, "kind": resp.Kind}).WithError(err).Warn("request failed")
		if stack := fault.Stack(err); stack != "" {
			s.log.Debug(stack)
		}
	}
	writeJSON(w, status, resp)
}

func portParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "port")
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fault.New(fault.KindInvalidConfig, "api.port", "invalid port %q", raw)
	}
	return port, nil
}
