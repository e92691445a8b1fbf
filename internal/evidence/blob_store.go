package evidence

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	storage "github.com/supabase-community/storage-go"
	supabase "github.com/supabase-community/supabase-go"
)

// BlobStore is the object-store dependency of the evidence builder. Paths
// follow evidence/{seller_id}/{sync_id}/{rule_type}/{dedupe_hash}.json and
// uploads of an existing path converge last-writer-wins over identical bytes.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) (string, error)
}

// SupabaseBlobStore uploads evidence documents to a Supabase Storage bucket.
type SupabaseBlobStore struct {
	client *supabase.Client
	bucket string
	logger *log.Logger
}

// NewSupabaseBlobStore creates a blob store over an existing Supabase client.
func NewSupabaseBlobStore(client *supabase.Client, bucket string) *SupabaseBlobStore {
	if bucket == "" {
		bucket = "evidence"
	}
	return &SupabaseBlobStore{
		client: client,
		bucket: bucket,
		logger: log.New(log.Writer(), "[BlobStore:Supabase] ", log.LstdFlags),
	}
}

// Put uploads the document and returns its public URL. Upsert is enabled so
// replays of an identical artifact converge instead of conflicting.
func (s *SupabaseBlobStore) Put(ctx context.Context, path string, data []byte, contentType string, metadata map[string]string) (string, error) {
	upsert := true
	opts := storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	}

	_, err := s.client.Storage.UploadFile(s.bucket, path, strings.NewReader(string(data)), opts)
	if err != nil {
		return "", fmt.Errorf("upload evidence blob %s: %w", path, err)
	}

	url := s.client.Storage.GetPublicUrl(s.bucket, path).SignedURL
	s.logger.Printf("Uploaded evidence blob %s (%d bytes)", path, len(data))
	return url, nil
}

// MemoryBlobStore is the in-memory blob store used in tests and inline mode.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

// NewMemoryBlobStore creates an empty in-memory store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
}

// Put stores the bytes and returns a mem:// URL.
func (s *MemoryBlobStore) Put(_ context.Context, path string, data []byte, _ string, metadata map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[path] = buf
	s.meta[path] = metadata
	return "mem://" + path, nil
}

// Get returns a stored object (tests only).
func (s *MemoryBlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	return data, ok
}

// Metadata returns the side-metadata stored with an object (tests only).
func (s *MemoryBlobStore) Metadata(path string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[path]
}

// Len reports the number of stored objects.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
