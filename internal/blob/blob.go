// Package blob is the hierarchical object-store contract behind the staging
// area and the authoritative case folders. Objects carry per-object metadata,
// including the SHA-256 content hash used for deduplication. Google Cloud
// Storage in production, an in-memory implementation for dev mode and tests.
package blob

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("object not found")

// MetaContentHash is the metadata key carrying the lowercase hex SHA-256 of
// an object's content.
const MetaContentHash = "content-sha256"

type FolderInfo struct {
	Ref  string // opaque reference, stable for the folder's lifetime
	Name string // display name, not necessarily unique among siblings
}

type ObjectInfo struct {
	Name        string
	ContentHash string
	Size        int64
	Updated     time.Time
}

type Store interface {
	// CreateFolder allocates a new folder under parent and returns its ref.
	// It does not reuse an existing folder of the same name.
	CreateFolder(ctx context.Context, parent, name string) (string, error)
	// FindFolders lists folders under parent whose name equals name; an empty
	// name matches every child folder.
	FindFolders(ctx context.Context, parent, name string) ([]FolderInfo, error)
	ListObjects(ctx context.Context, folderRef string) ([]ObjectInfo, error)
	ReadObject(ctx context.Context, folderRef, name string) ([]byte, map[string]string, error)
	WriteObject(ctx context.Context, folderRef, name string, data []byte, meta map[string]string) error
	DeleteObject(ctx context.Context, folderRef, name string) error
}
