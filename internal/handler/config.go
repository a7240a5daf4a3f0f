package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"

	"github.com/mir00r/provider-resilience/internal/config"
	"github.com/mir00r/provider-resilience/internal/transport"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const redacted = "[REDACTED]"

// ConfigSource exposes the running configuration and reloads it
type ConfigSource interface {
	CurrentConfig() *config.Config
	Reload(ctx context.Context) error
}

// ConfigHandler handles configuration inspection and reload operations
type ConfigHandler struct {
	source ConfigSource
	admin  *AdminHandler
	logger *logger.Logger
}

// NewConfigHandler creates a new configuration handler. Reloads are audited through admin.
func NewConfigHandler(source ConfigSource, admin *AdminHandler, log *logger.Logger) *ConfigHandler {
	return &ConfigHandler{
		source: source,
		admin:  admin,
		logger: log.WithField("component", "config_api"),
	}
}

// RegisterRoutes mounts the config endpoints on r
func (ch *ConfigHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/config", ch.GetConfigHandler).Methods(http.MethodGet)
	r.HandleFunc("/config/reload", ch.ReloadConfigHandler).Methods(http.MethodPost)
}

// ReloadConfigHandler re-reads the configuration file and applies its services
func (ch *ConfigHandler) ReloadConfigHandler(w http.ResponseWriter, r *http.Request) {
	ch.logger.Info("Configuration reload requested")

	if err := ch.source.Reload(r.Context()); err != nil {
		ch.admin.writeError(w, r, err)
		return
	}
	cfg := ch.source.CurrentConfig()
	ch.admin.audit(r, "admin.config.reloaded", "config", map[string]interface{}{"services": len(cfg.Services)})
	ch.admin.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "reloaded",
		"services": len(cfg.Services),
	})
}

// GetConfigHandler returns the running configuration as YAML with secrets removed
func (ch *ConfigHandler) GetConfigHandler(w http.ResponseWriter, r *http.Request) {
	data, err := yaml.Marshal(redactConfig(ch.source.CurrentConfig()))
	if err != nil {
		ch.admin.writeErrorResponse(w, r, "Failed to encode configuration", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func redactConfig(cfg *config.Config) config.Config {
	out := *cfg
	if out.Store.DSN != "" {
		out.Store.DSN = redacted
	}
	if out.Admin.JWTSecret != "" {
		out.Admin.JWTSecret = redacted
	}

	targets := make(map[string]transport.HTTPTarget, len(cfg.Transport.HTTP.Targets))
	for name, target := range cfg.Transport.HTTP.Targets {
		target.Headers = redactValues(target.Headers)
		targets[name] = target
	}
	out.Transport.HTTP.Targets = targets

	grpcTargets := make(map[string]transport.GRPCTarget, len(cfg.Transport.GRPC))
	for name, target := range cfg.Transport.GRPC {
		target.Metadata = redactValues(target.Metadata)
		grpcTargets[name] = target
	}
	out.Transport.GRPC = grpcTargets
	out.Discovery.Headers = redactValues(cfg.Discovery.Headers)
	return out
}

// redactValues keeps header names so operators can see what is configured
func redactValues(values map[string]string) map[string]string {
	if len(values) == 0 {
		return values
	}
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = redacted
	}
	return out
}
