package api

import (
	"net/http"
)

// handleOpenAPI serves the OpenAPI document (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the task endpoints.
func buildOpenAPIDoc() map[string]any {
	security := []any{map[string]any{"BearerAuth": []string{}}}
	dispatchResponses := map[string]any{
		"400": map[string]any{"description": "Bad request"},
		"403": map[string]any{"description": "Insufficient scope"},
		"422": map[string]any{"description": "Task failed (code -4)"},
		"502": map[string]any{"description": "Undecodable package or reply (code -3)"},
		"503": map[string]any{"description": "Worker busy or queue full (codes -1, -2)"},
		"504": map[string]any{"description": "Package expired before execution (code -5)"},
	}

	withOK := func(status, description string) map[string]any {
		out := map[string]any{status: map[string]any{"description": description}}
		for k, v := range dispatchResponses {
			out[k] = v
		}
		return out
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "taskdock",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/tasks/sync": map[string]any{
				"post": map[string]any{
					"operationId": "dispatchSync",
					"summary":     "Run a command on a worker and wait for its result",
					"requestBody": jsonBody(map[string]any{
						"command":    map[string]any{"type": "string"},
						"args":       map[string]any{"type": "object"},
						"timeout_ms": map[string]any{"type": "integer"},
						"worker":     map[string]any{"type": "integer"},
					}),
					"responses": withOK("200", "Task result"),
					"security":  security,
				},
			},
			"/tasks/async": map[string]any{
				"post": map[string]any{
					"operationId": "dispatchAsync",
					"summary":     "Queue a command on a worker",
					"requestBody": jsonBody(map[string]any{
						"command":   map[string]any{"type": "string"},
						"args":      map[string]any{"type": "object"},
						"on_finish": map[string]any{"type": "string"},
						"worker":    map[string]any{"type": "integer"},
					}),
					"responses": withOK("202", "Task queued"),
					"security":  security,
				},
			},
			"/tasks/{taskID}": map[string]any{
				"get": map[string]any{
					"operationId": "getTask",
					"summary":     "Recorded outcome of an async task",
					"parameters": []any{map[string]any{
						"name": "taskID", "in": "path", "required": true,
						"schema": map[string]any{"type": "string"},
					}},
					"responses": map[string]any{
						"200": map[string]any{"description": "Task outcome"},
						"404": map[string]any{"description": "Unknown or unfinished task"},
					},
					"security": security,
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"operationId": "streamEvents",
					"summary":     "Server-sent stream of async completions",
					"parameters": []any{map[string]any{
						"name": "channel", "in": "query", "required": false,
						"schema": map[string]any{"type": "string"},
					}},
					"responses": map[string]any{"200": map[string]any{"description": "Event stream"}},
					"security":  security,
				},
			},
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

func jsonBody(properties map[string]any) map[string]any {
	return map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{
					"type":       "object",
					"required":   []string{"command"},
					"properties": properties,
				},
			},
		},
	}
}
