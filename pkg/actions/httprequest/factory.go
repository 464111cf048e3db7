package httprequest

import "github.com/brunori/outflow/pkg/protocol"

func NewFactory() *Factory {
	return &Factory{}
}

type Factory struct{}

func (*Factory) ID() string {
	return "http_request"
}

func (*Factory) Create(config map[string]any) (protocol.StepExecutor, error) {
	return NewExecutor(config)
}

// Schema returns the JSON Schema validated against node configs before an
// executor is created.
func (*Factory) Schema() string {
	return `{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "Target URL. Supports templating against the execution context."
			},
			"method": {
				"type": "string",
				"enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "get", "post", "put", "patch", "delete", "head"],
				"default": "GET"
			},
			"headers": {
				"type": "object",
				"description": "Request headers. Values may be secret references."
			},
			"body": {
				"description": "Request body. A string is sent verbatim, anything else is JSON encoded."
			},
			"timeout": {
				"type": "number",
				"description": "Request timeout in seconds.",
				"default": 30
			}
		},
		"required": ["url"]
	}`
}
