package handler

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"

	"github.com/mir00r/provider-resilience/internal/config"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// TLSHandler builds the TLS configuration of the admin listener
type TLSHandler struct {
	config config.TLSConfig
	logger *logger.Logger
}

// NewTLSHandler creates a new TLS handler
func NewTLSHandler(cfg config.TLSConfig, log *logger.Logger) *TLSHandler {
	return &TLSHandler{
		config: cfg,
		logger: log.WithField("component", "tls"),
	}
}

// Enabled reports whether the admin listener serves TLS
func (h *TLSHandler) Enabled() bool {
	return h.config.Enabled
}

// CertFiles returns the certificate and key paths
func (h *TLSHandler) CertFiles() (string, string) {
	return h.config.CertFile, h.config.KeyFile
}

// ConfigureTLS returns nil when TLS is disabled
func (h *TLSHandler) ConfigureTLS() (*tls.Config, error) {
	if !h.config.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP384,
			tls.CurveP256,
		},
	}

	if h.config.MinVersion != "" {
		minVersion, err := parseTLSVersion(h.config.MinVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid min TLS version: %w", err)
		}
		tlsConfig.MinVersion = minVersion
	}
	if h.config.MaxVersion != "" {
		maxVersion, err := parseTLSVersion(h.config.MaxVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid max TLS version: %w", err)
		}
		tlsConfig.MaxVersion = maxVersion
	}
	if tlsConfig.MinVersion > tlsConfig.MaxVersion {
		return nil, fmt.Errorf("min TLS version %s is above max %s",
			formatTLSVersion(tlsConfig.MinVersion), formatTLSVersion(tlsConfig.MaxVersion))
	}

	if len(h.config.CipherSuites) > 0 {
		cipherSuites, err := parseCipherSuites(h.config.CipherSuites)
		if err != nil {
			return nil, fmt.Errorf("invalid cipher suites: %w", err)
		}
		tlsConfig.CipherSuites = cipherSuites
	}

	h.logger.WithFields(map[string]interface{}{
		"min_version":  formatTLSVersion(tlsConfig.MinVersion),
		"max_version":  formatTLSVersion(tlsConfig.MaxVersion),
		"cipher_count": len(tlsConfig.CipherSuites),
	}).Info("TLS configuration loaded")

	return tlsConfig, nil
}

func parseTLSVersion(version string) (uint16, error) {
	switch strings.ToUpper(version) {
	case "1.2", "TLS1.2", "TLSV1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "TLSV1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version: %s", version)
	}
}

func parseCipherSuites(suites []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}

	cipherSuites := make([]uint16, 0, len(suites))
	for _, suite := range suites {
		if id, ok := known[strings.ToUpper(suite)]; ok {
			cipherSuites = append(cipherSuites, id)
			continue
		}
		val, err := strconv.ParseUint(suite, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("unknown cipher suite: %s", suite)
		}
		cipherSuites = append(cipherSuites, uint16(val))
	}
	return cipherSuites, nil
}

func formatTLSVersion(version uint16) string {
	switch version {
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Unknown (%d)", version)
	}
}
