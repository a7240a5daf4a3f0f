package handler

import (
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "schemes": {{ marshal .Schemes }},
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "paths": {
        "/health": {"get": {"summary": "Liveness probe", "tags": ["health"], "security": [], "responses": {"200": {"description": "alive"}}}},
        "/ready": {"get": {"summary": "Readiness probe", "tags": ["health"], "security": [], "responses": {"200": {"description": "ready"}, "503": {"description": "not ready"}}}},
        "/services": {"get": {"summary": "List known services", "tags": ["services"], "responses": {"200": {"description": "service summaries"}}}},
        "/services/{service}/nodes": {
            "get": {"summary": "List provider nodes of a service", "tags": ["nodes"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "node snapshots"}}},
            "post": {"summary": "Register a provider node", "tags": ["nodes"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}, {"name": "node", "in": "body", "required": true, "schema": {"type": "object"}}], "responses": {"201": {"description": "registered"}, "400": {"description": "invalid node"}}}
        },
        "/nodes/{id}": {"delete": {"summary": "Remove a provider node", "tags": ["nodes"], "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"204": {"description": "removed"}, "404": {"description": "unknown node"}}}},
        "/circuits": {"get": {"summary": "List circuit breaker states", "tags": ["circuits"], "responses": {"200": {"description": "breaker states"}}}},
        "/circuits/{service}": {"get": {"summary": "Circuit breaker state of a service", "tags": ["circuits"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "breaker state"}}}},
        "/circuits/{service}/reset": {"post": {"summary": "Force a circuit closed", "tags": ["circuits"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "breaker state after reset"}}}},
        "/services/{service}/routing": {"put": {"summary": "Change the routing strategy of a service", "tags": ["routing"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}, {"name": "strategy", "in": "body", "required": true, "schema": {"type": "object"}}], "responses": {"200": {"description": "strategy applied"}, "400": {"description": "unknown strategy"}}}},
        "/services/{service}/routing/decisions": {"get": {"summary": "Recent routing decisions", "tags": ["routing"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}, {"name": "limit", "in": "query", "type": "integer"}], "responses": {"200": {"description": "decisions, newest last"}}}},
        "/services/{service}/route": {"post": {"summary": "Dry-run a routing decision", "tags": ["routing"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "decision"}, "503": {"description": "no healthy node"}}}},
        "/budgets": {"post": {"summary": "Register a budget allocation", "tags": ["budgets"], "responses": {"201": {"description": "registered"}, "400": {"description": "invalid allocation"}}}},
        "/budgets/{service}": {"get": {"summary": "Budget allocation of a service", "tags": ["budgets"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "allocation"}, "404": {"description": "no budget"}}}},
        "/budgets/{service}/snapshot": {"get": {"summary": "Cost monitoring snapshot", "tags": ["budgets"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "snapshot"}}}},
        "/budgets/{service}/spend": {"post": {"summary": "Record spend against the budget", "tags": ["budgets"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "period spend"}}}},
        "/fallback/strategies": {
            "get": {"summary": "List fallback strategies", "tags": ["fallback"], "responses": {"200": {"description": "strategies"}}},
            "post": {"summary": "Register or replace a fallback strategy", "tags": ["fallback"], "responses": {"201": {"description": "registered"}, "400": {"description": "invalid strategy"}}}
        },
        "/fallback/strategies/{service}": {
            "get": {"summary": "Fallback strategy of a service", "tags": ["fallback"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "strategy"}, "404": {"description": "no strategy"}}},
            "put": {"summary": "Update a fallback strategy", "tags": ["fallback"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "updated"}}},
            "delete": {"summary": "Remove a fallback strategy", "tags": ["fallback"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"204": {"description": "removed"}}}
        },
        "/fallback/{service}/execute": {"post": {"summary": "Execute the fallback strategy directly", "tags": ["fallback"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "fallback result"}, "503": {"description": "fallback exhausted"}}}},
        "/scenarios/optimize": {"post": {"summary": "Optimize an error scenario", "tags": ["scenarios"], "responses": {"200": {"description": "optimization decision"}}}},
        "/scenarios/{service}/decisions": {"get": {"summary": "Recent optimization decisions", "tags": ["scenarios"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}, {"name": "limit", "in": "query", "type": "integer"}], "responses": {"200": {"description": "decisions"}}}},
        "/scenarios/{service}/analytics": {"get": {"summary": "Per-strategy scenario analytics", "tags": ["scenarios"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "analytics"}}}},
        "/batching/{service}/submit": {"post": {"summary": "Queue a call for batched execution", "tags": ["batching"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "batch result"}}}},
        "/batching/{service}/flush": {"post": {"summary": "Flush queued batches now", "tags": ["batching"], "parameters": [{"name": "service", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "flushed batches"}}}},
        "/stats": {"get": {"summary": "Component statistics", "tags": ["stats"], "responses": {"200": {"description": "statistics"}}}},
        "/events": {"get": {"summary": "Recent events", "tags": ["events"], "parameters": [{"name": "limit", "in": "query", "type": "integer"}], "responses": {"200": {"description": "events"}}}},
        "/audit": {"get": {"summary": "Recent audit records", "tags": ["audit"], "parameters": [{"name": "limit", "in": "query", "type": "integer"}], "responses": {"200": {"description": "audit records"}}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/admin",
	Schemes:          []string{},
	Title:            "Provider Resilience Admin API",
	Description:      "Inspect and operate circuit breakers, routing, budgets, fallbacks, scenarios and batching.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// RegisterSwaggerRoutes serves the Swagger UI and doc.json under /swagger/
func RegisterSwaggerRoutes(r *mux.Router) {
	r.PathPrefix("/swagger/").Handler(httpSwagger.Handler(httpSwagger.URL("doc.json")))
}
