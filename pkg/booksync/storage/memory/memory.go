// Package memory keeps sync reports in process memory.
package memory

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/tendant/booksync/pkg/booksync"
)

// ErrReportNotFound is returned by Get for unknown keys.
var ErrReportNotFound = errors.New("report not found")

// Backend is an in-memory implementation of booksync.ReportStore
type Backend struct {
	mu      sync.RWMutex
	reports map[string][]byte
}

var _ booksync.ReportStore = (*Backend)(nil)

// New creates a new in-memory report backend
func New() *Backend {
	return &Backend{reports: make(map[string][]byte)}
}

// SaveReport stores the report body under key, replacing any previous one.
func (b *Backend) SaveReport(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports[key] = data
	return nil
}

// Get returns a copy of the report stored under key.
func (b *Backend) Get(key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.reports[key]
	if !ok {
		return nil, ErrReportNotFound
	}
	return append([]byte(nil), data...), nil
}

// Keys lists stored keys with the given prefix in lexical order.
func (b *Backend) Keys(prefix string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	for k := range b.reports {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
