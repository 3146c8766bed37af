package config

import "context"

// SecretProvider resolves secret references named by *_FILE variables.
type SecretProvider interface {
	// GetParametersBatch returns the value of every key it could resolve.
	// Unresolved keys are omitted rather than reported as an error.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
