package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// FileProvider implements SecretProvider by reading each key as a file path,
// the layout used by Docker and Kubernetes secret mounts.
type FileProvider struct {
	readFile func(name string) ([]byte, error)
}

// NewFileProvider creates a FileProvider backed by os.ReadFile.
func NewFileProvider() *FileProvider {
	return &FileProvider{readFile: os.ReadFile}
}

// GetParametersBatch reads every path. Missing files are omitted; any other
// read failure aborts. Trailing newlines are trimmed.
func (p *FileProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := p.readFile(key)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading secret file %s: %w", key, err)
		}
		result[key] = strings.TrimRight(string(data), "\r\n")
	}
	return result, nil
}
