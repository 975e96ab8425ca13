package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the compile API.
func buildOpenAPIDoc() map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}
	jsonBody := func(ref string) map[string]any {
		return map[string]any{
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/" + ref},
				},
			},
		}
	}
	withDescription := func(desc string, body map[string]any) map[string]any {
		body["description"] = desc
		return body
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "tinyc",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/compile": map[string]any{
				"post": map[string]any{
					"operationId": "compile",
					"summary":     "Compile a TINY program through build, scan, parse and render",
					"requestBody": jsonBody("CompileRequest"),
					"responses": map[string]any{
						"200": withDescription("Run outcome", jsonBody("Outcome")),
						"400": map[string]any{"description": "Bad request"},
						"403": map[string]any{"description": "Insufficient scope"},
						"413": map[string]any{"description": "Program too large"},
					},
					"security": secured,
				},
			},
			"/runs": map[string]any{
				"get": map[string]any{
					"operationId": "listRuns",
					"summary":     "Recent runs, newest first",
					"parameters": []any{map[string]any{
						"name": "limit", "in": "query",
						"schema": map[string]any{"type": "integer", "minimum": 1},
					}},
					"responses": map[string]any{"200": map[string]any{"description": "Run summaries"}},
					"security":  secured,
				},
			},
			"/runs/{runID}": map[string]any{
				"get": map[string]any{
					"operationId": "getRun",
					"summary":     "Full outcome of a recorded run",
					"parameters": []any{map[string]any{
						"name": "runID", "in": "path", "required": true,
						"schema": map[string]any{"type": "string"},
					}},
					"responses": map[string]any{
						"200": withDescription("Run outcome", jsonBody("Outcome")),
						"404": map[string]any{"description": "Unknown run"},
					},
					"security": secured,
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"operationId": "events",
					"summary":     "Server-sent pipeline progress events",
					"parameters": []any{
						map[string]any{"name": "run", "in": "query", "schema": map[string]any{"type": "string"}, "description": "Only events of this run"},
						map[string]any{"name": "type", "in": "query", "schema": map[string]any{"type": "string"}, "description": "Event type prefix, e.g. stage."},
						map[string]any{"name": "Last-Event-ID", "in": "header", "schema": map[string]any{"type": "integer"}},
					},
					"responses": map[string]any{"200": map[string]any{"description": "text/event-stream"}},
					"security":  secured,
				},
			},
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"responses":   map[string]any{"200": map[string]any{"description": "Server health"}},
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
			"schemas": map[string]any{
				"CompileRequest": map[string]any{
					"type":     "object",
					"required": []string{"program"},
					"properties": map[string]any{
						"program": map[string]any{"type": "string"},
						"retain":  map[string]any{"type": "boolean"},
					},
				},
				"Outcome": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"run_id":       map[string]any{"type": "string"},
						"status":       map[string]any{"type": "string", "enum": []string{"succeeded", "partial", "failed"}},
						"final_state":  map[string]any{"type": "string"},
						"failed_stage": map[string]any{"type": "string"},
						"kind":         map[string]any{"type": "string"},
						"error":        map[string]any{"type": "string"},
						"exit_code":    map[string]any{"type": "integer"},
					},
				},
			},
		},
	}
}
