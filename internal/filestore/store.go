package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Store reads upload payloads for the file-upload source. Implementations
// are shared across jobs; paths are validated by the adapter before they
// reach the store.
type Store interface {
	Type() string
	// Size returns the byte length of the object at path, so the adapter
	// can enforce its cap before reading.
	Size(ctx context.Context, path string) (int64, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

type Factory func(args interface{}) (Store, error)

var registry = map[string]Factory{}

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registry[key] = factory
}

func New(typ string, args interface{}) (Store, error) {
	factory, ok := registry[strings.ToLower(strings.TrimSpace(typ))]
	if !ok {
		return nil, fmt.Errorf("unknown file store type: %s", typ)
	}
	return factory(args)
}

func decodeConfig(args interface{}, target interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
