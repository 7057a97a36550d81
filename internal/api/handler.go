// Package api provides the HTTP sidebar endpoints used by the UI:
// artifact previews, voice transcription, and integration management.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"syscall"

	"github.com/ashureev/middleman/internal/bridge"
	"github.com/ashureev/middleman/internal/config"
	"github.com/ashureev/middleman/internal/swarm"
	"github.com/go-chi/chi/v5"
)

// maxTranscribeBytes caps voice uploads.
const maxTranscribeBytes = 4 << 20

// Transcriber converts an audio upload into text. Delegated to an
// external collaborator; nil means voice input is unavailable.
type Transcriber interface {
	Transcribe(audio []byte, mimeType string) (string, error)
}

// Handler provides the HTTP API surface.
type Handler struct {
	cfg         *config.Config
	mgr         *swarm.Manager
	bridge      *bridge.Bridge
	transcriber Transcriber
	logger      *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(cfg *config.Config, mgr *swarm.Manager, b *bridge.Bridge, transcriber Transcriber, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, mgr: mgr, bridge: b, transcriber: transcriber, logger: logger}
}

// RegisterRoutes registers all HTTP API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/read-file", h.ReadFile)
		r.Post("/transcribe", h.Transcribe)
		r.Route("/managers/{managerID}/integrations", func(r chi.Router) {
			r.Get("/slack", h.GetSlack)
			r.Put("/slack", h.PutSlack)
			r.Delete("/slack", h.DeleteSlack)
			r.Get("/telegram", h.GetTelegram)
			r.Put("/telegram", h.PutTelegram)
			r.Delete("/telegram", h.DeleteTelegram)
		})
		r.Get("/integrations/gsuite", h.GetGSuite)
		r.Put("/integrations/gsuite", h.PutGSuite)
		r.Get("/settings/env", h.GetEnvSettings)
		r.Put("/settings/env", h.PutEnvSettings)
		r.Get("/settings/auth", h.GetAuthSettings)
		r.Put("/settings/auth", h.PutAuthSettings)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ReadFile serves artifact previews. Reads are restricted to regular
// files owned by the daemon's user.
func (h *Handler) ReadFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" || !filepath.IsAbs(req.Path) {
		Error(w, http.StatusBadRequest, "path must be absolute")
		return
	}

	path := filepath.Clean(req.Path)
	info, err := os.Stat(path)
	if err != nil {
		Error(w, http.StatusNotFound, "file not found")
		return
	}
	if !info.Mode().IsRegular() {
		Error(w, http.StatusBadRequest, "not a regular file")
		return
	}
	if !ownedByCurrentUser(info) {
		Error(w, http.StatusForbidden, "file not owned by daemon user")
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		h.logger.Warn("read-file failed", "path", path, "error", err)
		Error(w, http.StatusInternalServerError, "read failed")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"path": path, "content": string(content)})
}

func ownedByCurrentUser(info os.FileInfo) bool {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		// Non-unix stat; fall back to allowing the read.
		return true
	}
	return int(stat.Uid) == os.Getuid()
}

// Transcribe converts an uploaded voice clip into text.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	if h.transcriber == nil {
		Error(w, http.StatusNotImplemented, "transcription not configured")
		return
	}
	if err := r.ParseMultipartForm(maxTranscribeBytes); err != nil {
		Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		Error(w, http.StatusBadRequest, "missing audio part")
		return
	}
	defer file.Close()

	if header.Size > maxTranscribeBytes {
		Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("audio exceeds %d bytes", maxTranscribeBytes))
		return
	}
	audio, err := io.ReadAll(io.LimitReader(file, maxTranscribeBytes))
	if err != nil {
		Error(w, http.StatusBadRequest, "read audio failed")
		return
	}

	text, err := h.transcriber.Transcribe(audio, header.Header.Get("Content-Type"))
	if err != nil {
		h.logger.Warn("transcription failed", "error", err)
		Error(w, http.StatusBadGateway, "transcription failed")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"text": text})
}
