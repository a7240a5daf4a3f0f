package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/mir00r/provider-resilience/pkg/logger"
)

// Admin roles
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// JWTAuthConfig contains JWT authentication configuration for the admin API
type JWTAuthConfig struct {
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	ClockSkew time.Duration `yaml:"clock_skew"`
	PathRules []JWTPathRule `yaml:"path_rules"`
}

// JWTPathRule defines JWT requirements for specific paths
type JWTPathRule struct {
	Path          string   `yaml:"path"`
	Required      bool     `yaml:"required"`
	Methods       []string `yaml:"methods"`
	RequiredRoles []string `yaml:"required_roles"`
}

// JWTClaims represents admin token claims
type JWTClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role
func (c *JWTClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// DefaultAdminPathRules lets viewers read and requires operators for changes.
// Rules are matched in order.
func DefaultAdminPathRules(prefix string) []JWTPathRule {
	prefix = strings.TrimSuffix(prefix, "/")
	return []JWTPathRule{
		{Path: prefix + "/health", Required: false},
		{Path: prefix + "/swagger/*", Required: false},
		{Path: prefix + "/*", Required: true, Methods: []string{http.MethodGet, http.MethodHead}, RequiredRoles: []string{RoleViewer}},
		{Path: prefix + "/*", Required: true, RequiredRoles: []string{RoleOperator}},
	}
}

// JWTAuthMiddleware validates HMAC-signed bearer tokens on admin routes
type JWTAuthMiddleware struct {
	config JWTAuthConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewJWTAuthMiddleware creates a new JWT authentication middleware
func NewJWTAuthMiddleware(config JWTAuthConfig, log *logger.Logger) (*JWTAuthMiddleware, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	jm := &JWTAuthMiddleware{
		config: config,
		logger: log.MiddlewareLogger("jwt_auth"),
		now:    time.Now,
	}

	jm.logger.WithFields(map[string]interface{}{
		"path_rules": len(config.PathRules),
		"issuer":     config.Issuer,
	}).Info("JWT authentication middleware initialized")

	return jm, nil
}

// IssueToken signs a token for subject with the given roles
func (jm *JWTAuthMiddleware) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	now := jm.now()
	claims := JWTClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    jm.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if jm.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{jm.config.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jm.config.Secret))
}

// JWTAuth returns the JWT authentication middleware
func (jm *JWTAuthMiddleware) JWTAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pathRule := jm.getPathRule(r.URL.Path, r.Method)
			if pathRule == nil || !pathRule.Required {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				jm.logger.WithFields(map[string]interface{}{
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT token missing")
				writeJWTError(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := jm.validateToken(token)
			if err != nil {
				jm.logger.WithFields(map[string]interface{}{
					"error":  err.Error(),
					"path":   r.URL.Path,
					"method": r.Method,
					"ip":     r.RemoteAddr,
				}).Warn("JWT validation failed")
				writeJWTError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			if !hasRequiredRoles(claims, pathRule.RequiredRoles) {
				jm.logger.WithFields(map[string]interface{}{
					"subject":        claims.Subject,
					"user_roles":     claims.Roles,
					"required_roles": pathRule.RequiredRoles,
					"path":           r.URL.Path,
				}).Warn("Insufficient roles for access")
				writeJWTError(w, "Insufficient permissions", http.StatusForbidden)
				return
			}

			r = r.WithContext(context.WithValue(r.Context(), claimsKey, claims))
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext returns the validated claims of an authenticated request
func ClaimsFromContext(ctx context.Context) (*JWTClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*JWTClaims)
	return claims, ok
}

// extractToken extracts JWT from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func (jm *JWTAuthMiddleware) validateToken(tokenString string) (*JWTClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}), jwt.WithoutClaimsValidation())

	token, err := parser.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(jm.config.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	now := jm.now()
	if claims.ExpiresAt == nil || now.Add(-jm.config.ClockSkew).After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token expired")
	}
	if claims.NotBefore != nil && now.Add(jm.config.ClockSkew).Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("token not yet valid")
	}
	if jm.config.Issuer != "" && claims.Issuer != jm.config.Issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	if jm.config.Audience != "" && !claims.VerifyAudience(jm.config.Audience, true) {
		return nil, fmt.Errorf("invalid audience")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing required claim: sub")
	}
	return claims, nil
}

// getPathRule finds the first matching path rule
func (jm *JWTAuthMiddleware) getPathRule(path, method string) *JWTPathRule {
	for i := range jm.config.PathRules {
		rule := &jm.config.PathRules[i]
		if matchPath(rule.Path, path) && matchMethod(rule.Methods, method) {
			return rule
		}
	}
	return nil
}

func matchPath(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == path
}

func matchMethod(allowedMethods []string, method string) bool {
	if len(allowedMethods) == 0 {
		return true
	}
	for _, allowed := range allowedMethods {
		if allowed == method {
			return true
		}
	}
	return false
}

// hasRequiredRoles treats operator as a superset of viewer
func hasRequiredRoles(claims *JWTClaims, required []string) bool {
	for _, role := range required {
		if claims.HasRole(role) {
			continue
		}
		if role == RoleViewer && claims.HasRole(RoleOperator) {
			continue
		}
		return false
	}
	return true
}

func writeJWTError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "authentication_failed",
		"message": message,
		"status":  statusCode,
	})
}

// GetStats returns JWT authentication statistics
func (jm *JWTAuthMiddleware) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"path_rules": len(jm.config.PathRules),
		"issuer":     jm.config.Issuer,
		"clock_skew": jm.config.ClockSkew.String(),
	}
}
