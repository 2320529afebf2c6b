package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/contenthash"
)

// GCS maps the folder contract onto a flat bucket namespace: a folder ref is
// an object prefix ending in "/", held open by a zero-byte keep marker.
type GCS struct {
	client *storage.Client
	bucket string
}

const keepMarker = ".keep"

func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (s *GCS) Close() error { return s.client.Close() }

func folderPrefix(parent, name string) string {
	parent = strings.Trim(parent, "/")
	if parent == "" {
		return name + "/"
	}
	return parent + "/" + name + "/"
}

func (s *GCS) CreateFolder(ctx context.Context, parent, name string) (string, error) {
	ref := folderPrefix(parent, name)
	w := s.client.Bucket(s.bucket).Object(ref + keepMarker).NewWriter(ctx)
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("create folder %q: %w", ref, err)
	}
	return ref, nil
}

func (s *GCS) FindFolders(ctx context.Context, parent, name string) ([]FolderInfo, error) {
	prefix := strings.Trim(parent, "/") + "/"
	if prefix == "/" {
		prefix = ""
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var out []FolderInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		if attrs.Prefix == "" {
			continue
		}
		base := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, prefix), "/")
		if name != "" && base != name {
			continue
		}
		out = append(out, FolderInfo{Ref: attrs.Prefix, Name: base})
	}
	return out, nil
}

func (s *GCS) ListObjects(ctx context.Context, folderRef string) ([]ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: folderRef, Delimiter: "/"})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		if attrs.Name == "" {
			continue
		}
		name := strings.TrimPrefix(attrs.Name, folderRef)
		if name == "" || name == keepMarker {
			continue
		}
		out = append(out, ObjectInfo{
			Name:        name,
			ContentHash: attrs.Metadata[MetaContentHash],
			Size:        attrs.Size,
			Updated:     attrs.Updated,
		})
	}
	return out, nil
}

func (s *GCS) ReadObject(ctx context.Context, folderRef, name string) ([]byte, map[string]string, error) {
	obj := s.client.Bucket(s.bucket).Object(folderRef + name)
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil, fmt.Errorf("object %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return data, attrs.Metadata, nil
}

func (s *GCS) WriteObject(ctx context.Context, folderRef, name string, data []byte, meta map[string]string) error {
	stored := map[string]string{}
	for k, v := range meta {
		stored[k] = v
	}
	if stored[MetaContentHash] == "" {
		stored[MetaContentHash] = contenthash.SumBytes(data)
	}
	w := s.client.Bucket(s.bucket).Object(folderRef + name).NewWriter(ctx)
	w.Metadata = stored
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *GCS) DeleteObject(ctx context.Context, folderRef, name string) error {
	err := s.client.Bucket(s.bucket).Object(folderRef + name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("object %q: %w", name, ErrNotFound)
	}
	return err
}
