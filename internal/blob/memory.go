package blob

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/contenthash"
)

type memObject struct {
	data    []byte
	meta    map[string]string
	updated time.Time
}

type memFolder struct {
	parent  string
	name    string
	objects map[string]memObject
}

// Memory is an in-process Store. Folder refs are path-like but opaque;
// sibling folders may share a display name, which the folder resolver's
// scoring relies on in tests.
type Memory struct {
	mu      sync.Mutex
	folders map[string]*memFolder // by ref
	seq     int
}

func NewMemory() *Memory {
	return &Memory{folders: map[string]*memFolder{}}
}

func (s *Memory) CreateFolder(_ context.Context, parent, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ref := fmt.Sprintf("%s/%s#%d", strings.Trim(parent, "/"), name, s.seq)
	s.folders[ref] = &memFolder{parent: strings.Trim(parent, "/"), name: name, objects: map[string]memObject{}}
	return ref, nil
}

func (s *Memory) FindFolders(_ context.Context, parent, name string) ([]FolderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent = strings.Trim(parent, "/")
	var out []FolderInfo
	for ref, f := range s.folders {
		if f.parent != parent {
			continue
		}
		if name != "" && f.name != name {
			continue
		}
		out = append(out, FolderInfo{Ref: ref, Name: f.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (s *Memory) ListObjects(_ context.Context, folderRef string) ([]ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[folderRef]
	if !ok {
		return nil, fmt.Errorf("folder %q: %w", folderRef, ErrNotFound)
	}
	var out []ObjectInfo
	for name, o := range f.objects {
		out = append(out, ObjectInfo{
			Name:        name,
			ContentHash: o.meta[MetaContentHash],
			Size:        int64(len(o.data)),
			Updated:     o.updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Memory) ReadObject(_ context.Context, folderRef, name string) ([]byte, map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[folderRef]
	if !ok {
		return nil, nil, fmt.Errorf("folder %q: %w", folderRef, ErrNotFound)
	}
	o, ok := f.objects[name]
	if !ok {
		return nil, nil, fmt.Errorf("object %q: %w", name, ErrNotFound)
	}
	meta := make(map[string]string, len(o.meta))
	for k, v := range o.meta {
		meta[k] = v
	}
	return append([]byte(nil), o.data...), meta, nil
}

func (s *Memory) WriteObject(_ context.Context, folderRef, name string, data []byte, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[folderRef]
	if !ok {
		return fmt.Errorf("folder %q: %w", folderRef, ErrNotFound)
	}
	stored := map[string]string{}
	for k, v := range meta {
		stored[k] = v
	}
	if stored[MetaContentHash] == "" {
		stored[MetaContentHash] = contenthash.SumBytes(data)
	}
	f.objects[name] = memObject{data: append([]byte(nil), data...), meta: stored, updated: time.Now().UTC()}
	return nil
}

func (s *Memory) DeleteObject(_ context.Context, folderRef, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[folderRef]
	if !ok {
		return fmt.Errorf("folder %q: %w", folderRef, ErrNotFound)
	}
	if _, ok := f.objects[name]; !ok {
		return fmt.Errorf("object %q: %w", name, ErrNotFound)
	}
	delete(f.objects, name)
	return nil
}
