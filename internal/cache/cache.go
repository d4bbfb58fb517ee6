// Package cache holds captured HTTP responses in named partitions.
package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var ErrPartitionNotFound = errors.New("cache: partition not found")

// Response is a fully buffered snapshot of an upstream response.
type Response struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"storedAt"`
}

// Clone returns a deep copy so the caller and the store never share buffers.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = r.Header.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// RequestKey identifies a request within a partition.
func RequestKey(method, url string) string {
	return method + " " + url
}

// Partition is one named bucket of responses.
type Partition interface {
	Name() string
	Match(ctx context.Context, key string) (*Response, bool, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Storage is the set of partitions, comparable to a browser's CacheStorage.
type Storage interface {
	// Open returns the named partition, creating it if needed.
	Open(ctx context.Context, name string) (Partition, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete reports whether a partition was removed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists partitions in creation order.
	Names(ctx context.Context) ([]string, error)
	// Match looks key up in every partition, in creation order.
	Match(ctx context.Context, key string) (*Response, bool, error)
}
