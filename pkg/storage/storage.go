package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested path does not exist in storage.
var ErrNotFound = errors.New("not found")

// Object is one path/content pair of a batched write.
type Object struct {
	Path string
	Data []byte
}

// Storage provides an abstraction over key-value style file storage.
type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	// WriteBatch writes every object or none of them. Readers never observe
	// a partially applied batch once WriteBatch has returned.
	WriteBatch(ctx context.Context, objects []Object) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}
