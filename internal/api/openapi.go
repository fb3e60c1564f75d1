package api

import (
	"sort"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the gateway API. The
// event types with a registered handler are listed as SSE event names.
func buildOpenAPIDoc(handledTypes []string) map[string]any {
	types := append([]string(nil), handledTypes...)
	sort.Strings(types)

	secured := []any{map[string]any{"BearerAuth": []string{}}}
	op := func(id, summary string, codes ...string) map[string]any {
		responses := map[string]any{}
		for _, c := range codes {
			responses[c] = map[string]any{"description": httpDescriptions[c]}
		}
		return map[string]any{
			"operationId": id,
			"summary":     summary,
			"responses":   responses,
			"security":    secured,
		}
	}

	events := op("streamEvents", "Server-Sent Events stream of dispatched events", "200", "401", "403")
	events["x-event-types"] = types
	events["parameters"] = []any{
		map[string]any{
			"name":     "Last-Event-ID",
			"in":       "header",
			"required": false,
			"schema":   map[string]any{"type": "integer"},
		},
		map[string]any{
			"name":        "type",
			"in":          "query",
			"required":    false,
			"description": "Comma-separated event types to stream",
			"schema":      map[string]any{"type": "string"},
		},
	}

	idParam := []any{map[string]any{
		"name":     "id",
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}}
	getSub := op("getSubscription", "Get one subscription", "200", "401", "403", "404")
	getSub["parameters"] = idParam
	deleteSub := op("deleteSubscription", "Delete one subscription", "204", "401", "403", "404")
	deleteSub["parameters"] = idParam

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "tesgw",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness",
				"responses":   map[string]any{"200": map[string]any{"description": httpDescriptions["200"]}},
			}},
			"/status":             map[string]any{"get": op("status", "Connections, subscriptions and pending verifications", "200", "401", "403")},
			"/metrics":            map[string]any{"get": op("metrics", "Prometheus metrics", "200", "401", "403")},
			"/subscriptions":      map[string]any{"get": op("listSubscriptions", "List subscriptions", "200", "400", "401", "403")},
			"/subscriptions/{id}": map[string]any{"get": getSub, "delete": deleteSub},
			"/events":             map[string]any{"get": events},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

var httpDescriptions = map[string]string{
	"200": "OK",
	"204": "Deleted",
	"400": "Bad request",
	"401": "Missing or invalid API key",
	"403": "Insufficient scope",
	"404": "Not found",
}
