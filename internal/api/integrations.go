package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ashureev/middleman/internal/bridge"
	"github.com/ashureev/middleman/internal/persist"
	"github.com/go-chi/chi/v5"
)

// GSuiteConfig is the global Google Workspace configuration.
type GSuiteConfig struct {
	Enabled      bool   `json:"enabled"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
}

// AuthConfig holds runtime credentials. Stored 0600; only masked
// previews ever leave the daemon.
type AuthConfig struct {
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func (h *Handler) slackPath() string {
	return filepath.Join(h.cfg.IntegrationsDir(), "slack.json")
}

func (h *Handler) telegramPath() string {
	return filepath.Join(h.cfg.IntegrationsDir(), "telegram.json")
}

func (h *Handler) gsuitePath() string {
	return filepath.Join(h.cfg.IntegrationsDir(), "gsuite.json")
}

func (h *Handler) authPath() string {
	return filepath.Join(h.cfg.AuthDir(), "auth.json")
}

// --- Slack ---

// GetSlack returns the Slack profile with masked secrets plus the live
// integration status.
func (h *Handler) GetSlack(w http.ResponseWriter, r *http.Request) {
	var profile bridge.SlackProfile
	if err := persist.ReadJSON(h.slackPath(), &profile); err != nil && !os.IsNotExist(err) {
		Error(w, http.StatusInternalServerError, "read slack profile failed")
		return
	}
	profile.BotToken = persist.MaskSecret(profile.BotToken)
	profile.AppToken = persist.MaskSecret(profile.AppToken)
	slackState, _ := h.bridge.States()
	JSON(w, http.StatusOK, map[string]any{"config": profile, "status": slackState})
}

// PutSlack stores the Slack profile and applies it to the transport.
func (h *Handler) PutSlack(w http.ResponseWriter, r *http.Request) {
	managerID := chi.URLParam(r, "managerID")
	var profile bridge.SlackProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		Error(w, http.StatusBadRequest, "invalid slack profile")
		return
	}
	profile.ManagerID = managerID
	if _, ok := h.mgr.ManagerFor(managerID); !ok {
		Error(w, http.StatusNotFound, "manager not found")
		return
	}
	if err := persist.WriteJSON(h.slackPath(), profile, 0o600); err != nil {
		h.logger.Error("write slack profile failed", "error", err)
		Error(w, http.StatusInternalServerError, "write slack profile failed")
		return
	}
	h.bridge.ApplySlack(context.Background(), profile)
	slackState, _ := h.bridge.States()
	JSON(w, http.StatusOK, map[string]any{"status": slackState})
}

// DeleteSlack disables the Slack integration.
func (h *Handler) DeleteSlack(w http.ResponseWriter, r *http.Request) {
	profile := bridge.SlackProfile{ManagerID: chi.URLParam(r, "managerID")}
	if err := persist.WriteJSON(h.slackPath(), profile, 0o600); err != nil {
		Error(w, http.StatusInternalServerError, "write slack profile failed")
		return
	}
	h.bridge.ApplySlack(context.Background(), profile)
	JSON(w, http.StatusOK, map[string]any{"status": bridge.StateDisabled})
}

// --- Telegram ---

// GetTelegram returns the Telegram profile with masked secrets plus the
// live integration status.
func (h *Handler) GetTelegram(w http.ResponseWriter, r *http.Request) {
	var profile bridge.TelegramProfile
	if err := persist.ReadJSON(h.telegramPath(), &profile); err != nil && !os.IsNotExist(err) {
		Error(w, http.StatusInternalServerError, "read telegram profile failed")
		return
	}
	profile.BotToken = persist.MaskSecret(profile.BotToken)
	_, telegramState := h.bridge.States()
	JSON(w, http.StatusOK, map[string]any{"config": profile, "status": telegramState})
}

// PutTelegram stores the Telegram profile and applies it to the
// transport.
func (h *Handler) PutTelegram(w http.ResponseWriter, r *http.Request) {
	managerID := chi.URLParam(r, "managerID")
	var profile bridge.TelegramProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		Error(w, http.StatusBadRequest, "invalid telegram profile")
		return
	}
	profile.ManagerID = managerID
	if _, ok := h.mgr.ManagerFor(managerID); !ok {
		Error(w, http.StatusNotFound, "manager not found")
		return
	}
	if err := persist.WriteJSON(h.telegramPath(), profile, 0o600); err != nil {
		h.logger.Error("write telegram profile failed", "error", err)
		Error(w, http.StatusInternalServerError, "write telegram profile failed")
		return
	}
	h.bridge.ApplyTelegram(context.Background(), profile)
	_, telegramState := h.bridge.States()
	JSON(w, http.StatusOK, map[string]any{"status": telegramState})
}

// DeleteTelegram disables the Telegram integration.
func (h *Handler) DeleteTelegram(w http.ResponseWriter, r *http.Request) {
	profile := bridge.TelegramProfile{ManagerID: chi.URLParam(r, "managerID")}
	if err := persist.WriteJSON(h.telegramPath(), profile, 0o600); err != nil {
		Error(w, http.StatusInternalServerError, "write telegram profile failed")
		return
	}
	h.bridge.ApplyTelegram(context.Background(), profile)
	JSON(w, http.StatusOK, map[string]any{"status": bridge.StateDisabled})
}

// --- GSuite ---

// GetGSuite returns the Google Workspace config with masked secrets.
func (h *Handler) GetGSuite(w http.ResponseWriter, r *http.Request) {
	var cfg GSuiteConfig
	if err := persist.ReadJSON(h.gsuitePath(), &cfg); err != nil && !os.IsNotExist(err) {
		Error(w, http.StatusInternalServerError, "read gsuite config failed")
		return
	}
	cfg.ClientSecret = persist.MaskSecret(cfg.ClientSecret)
	cfg.RefreshToken = persist.MaskSecret(cfg.RefreshToken)
	status := bridge.StateDisabled
	if cfg.Enabled {
		status = bridge.StateConnected
	}
	JSON(w, http.StatusOK, map[string]any{"config": cfg, "status": status})
}

// PutGSuite stores the Google Workspace config.
func (h *Handler) PutGSuite(w http.ResponseWriter, r *http.Request) {
	var cfg GSuiteConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		Error(w, http.StatusBadRequest, "invalid gsuite config")
		return
	}
	if err := persist.WriteJSON(h.gsuitePath(), cfg, 0o600); err != nil {
		Error(w, http.StatusInternalServerError, "write gsuite config failed")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": bridge.StateConnected})
}

// --- Settings ---

// GetEnvSettings lists skill env var files with their keys; values are
// masked.
func (h *Handler) GetEnvSettings(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.cfg.EnvDir())
	if err != nil && !os.IsNotExist(err) {
		Error(w, http.StatusInternalServerError, "read env dir failed")
		return
	}

	out := make(map[string]map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var vars map[string]string
		if err := persist.ReadJSON(filepath.Join(h.cfg.EnvDir(), entry.Name()), &vars); err != nil {
			continue
		}
		masked := make(map[string]string, len(vars))
		for k, v := range vars {
			masked[k] = persist.MaskSecret(v)
		}
		out[entry.Name()] = masked
	}
	JSON(w, http.StatusOK, map[string]any{"env": out})
}

// PutEnvSettings writes one skill env var file, 0600.
func (h *Handler) PutEnvSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string            `json:"name"`
		Vars map[string]string `json:"vars"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid env settings")
		return
	}
	if req.Name == "" || req.Name != filepath.Base(req.Name) || filepath.Ext(req.Name) != ".json" {
		Error(w, http.StatusBadRequest, "name must be a bare .json filename")
		return
	}
	if err := persist.WriteJSON(filepath.Join(h.cfg.EnvDir(), req.Name), req.Vars, 0o600); err != nil {
		Error(w, http.StatusInternalServerError, "write env settings failed")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"name": req.Name})
}

// GetAuthSettings returns the stored credentials with masked previews.
func (h *Handler) GetAuthSettings(w http.ResponseWriter, r *http.Request) {
	var auth AuthConfig
	if err := persist.ReadJSON(h.authPath(), &auth); err != nil && !os.IsNotExist(err) {
		Error(w, http.StatusInternalServerError, "read auth failed")
		return
	}
	auth.APIKey = persist.MaskSecret(auth.APIKey)
	auth.Token = persist.MaskSecret(auth.Token)
	JSON(w, http.StatusOK, map[string]any{"config": auth})
}

// PutAuthSettings stores credentials, 0600.
func (h *Handler) PutAuthSettings(w http.ResponseWriter, r *http.Request) {
	var auth AuthConfig
	if err := json.NewDecoder(r.Body).Decode(&auth); err != nil {
		Error(w, http.StatusBadRequest, "invalid auth settings")
		return
	}
	if err := persist.WriteJSON(h.authPath(), auth, 0o600); err != nil {
		Error(w, http.StatusInternalServerError, "write auth failed")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "saved"})
}
