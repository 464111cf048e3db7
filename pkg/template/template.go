// Package template implements the rendering boundary used during step input
// preparation. Node config values reference the accumulated execution
// context with text/template expressions like
// {{ .event.payload.amount }} or {{ index .steps "fetch" "output" "id" }}.
package template

import (
	"crypto/rand"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Renderer implements protocol.Renderer on top of text/template. A render
// never fails on an absent context path: missing keys come out as empty
// strings, matching the rule engine's never-raise posture. Context values
// themselves are passed through verbatim.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

func (r *Renderer) Render(templateStr string, context map[string]any) (string, error) {
	if !strings.Contains(templateStr, "{{") {
		return templateStr, nil
	}

	tmpl, err := template.
		New("step").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}

				num := make([]byte, 1)

				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %q: %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, context)
	if err == nil {
		// Context data passes through untouched, including a literal
		// "<no value>" string.
		return buf.String(), nil
	}

	if !isMissingKey(err) {
		return "", fmt.Errorf("failed to execute template %q: %w", templateStr, err)
	}

	// Re-render absent paths as zero values, then scrub the "<no value>"
	// placeholders they produce. The scrub only runs on this fallback path,
	// so it cannot eat placeholder-shaped context data from a clean render.
	buf.Reset()

	err = tmpl.Option("missingkey=zero").Execute(&buf, context)
	if err != nil {
		return "", fmt.Errorf("failed to execute template %q: %w", templateStr, err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// isMissingKey reports whether an execution error came from missingkey=error
// hitting an absent map path.
func isMissingKey(err error) bool {
	return strings.Contains(err.Error(), "map has no entry for key")
}

// RenderConfig walks a node config and renders every string value against
// the context, returning the concrete step input. Non-string values pass
// through untouched; nested maps and lists are walked.
func RenderConfig(r *Renderer, config, context map[string]any) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}

	out := make(map[string]any, len(config))

	for key, value := range config {
		rendered, err := renderValue(r, value, context)
		if err != nil {
			return nil, fmt.Errorf("failed to render config key %q: %w", key, err)
		}

		out[key] = rendered
	}

	return out, nil
}

func renderValue(r *Renderer, value any, context map[string]any) (any, error) {
	switch t := value.(type) {
	case string:
		return r.Render(t, context)
	case map[string]any:
		return RenderConfig(r, t, context)
	case []any:
		out := make([]any, len(t))

		for i, item := range t {
			rendered, err := renderValue(r, item, context)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}
