//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tendant/booksync/pkg/booksync"
)

func setupTestDB(t *testing.T) *Repository {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "testdb",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := NewPool(ctx, PoolConfig{
		URL:      fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxConns: 4,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// second run is a no-op
	require.NoError(t, Migrate(ctx, pool))
	return NewWithPool(pool)
}

func TestIntegration_BookLifecycle(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	book := booksync.Book{ID: "b1", Title: "Dune", Author: "Herbert", PublicationYear: 1965}
	require.NoError(t, repo.PutBook(ctx, book))

	views, err := repo.IncrementViews(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, views)

	book.Title = "Dune Messiah"
	book.ViewCount = 0
	require.NoError(t, repo.UpdateBookDetails(ctx, book))

	got, err := repo.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", got.Title)
	assert.Equal(t, 1, got.ViewCount)

	books, err := repo.ListBooks(ctx)
	require.NoError(t, err)
	assert.Len(t, books, 1)

	require.NoError(t, repo.DeleteBook(ctx, "b1"))
	_, err = repo.GetBook(ctx, "b1")
	assert.ErrorIs(t, err, booksync.ErrBookNotFound)
	assert.NoError(t, repo.DeleteBook(ctx, "b1"))

	_, err = repo.IncrementViews(ctx, "b1")
	assert.ErrorIs(t, err, booksync.ErrBookNotFound)
}

func TestIntegration_AuditLog(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	has, err := repo.HasLogs(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, has)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, op := range []booksync.Operation{booksync.OperationCreate, booksync.OperationRead, booksync.OperationUpdate} {
		entry := booksync.NewAuditLogEntry(op, booksync.Book{ID: "b1", Title: "Dune"})
		entry.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.AppendLog(ctx, entry))
	}

	has, err = repo.HasLogs(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, has)

	entries, err := repo.ListLogs(ctx, "b1", booksync.LogPage{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, booksync.OperationUpdate, entries[0].Operation)
	assert.Equal(t, booksync.OperationRead, entries[1].Operation)

	entries, err = repo.ListLogs(ctx, "b1", booksync.LogPage{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, booksync.OperationCreate, entries[0].Operation)
}

func TestIntegration_CheckViolationIsInvalidBook(t *testing.T) {
	repo := setupTestDB(t)
	err := repo.PutBook(context.Background(), booksync.Book{ID: "b1", Title: "T", Author: "A", PublicationYear: 2000, ViewCount: -1})
	assert.ErrorIs(t, err, booksync.ErrInvalidBook)
}
