package protocol

// Renderer resolves template strings against an execution context. Sandboxing
// lives entirely in the implementation; the engine only calls this boundary.
type Renderer interface {
	Render(template string, context map[string]any) (string, error)
}

// SecretResolver resolves secret references (secretref://backend/ns/name) to
// their values. Resolved values exist only for the duration of a step
// executor call and are never persisted; only the unresolved reference
// string may appear in step records.
type SecretResolver interface {
	ResolveSecret(ref string) (string, error)
}
