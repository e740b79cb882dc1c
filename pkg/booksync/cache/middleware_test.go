package cache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/booksync/pkg/booksync/cache"
)

func TestRequestKey(t *testing.T) {
	policy := cache.Policy{KeyTemplate: "books:author:{author}"}

	var key string
	r := chi.NewRouter()
	r.Get("/books/author/{author}/year/{year}", func(w http.ResponseWriter, req *http.Request) {
		var err error
		key, err = cache.RequestKey(policy, req)
		require.NoError(t, err)
	})

	req := httptest.NewRequest(http.MethodGet, "/books/author/Ann/year/2020?b=2&a=1", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t,
		`books:author:Ann:GET:/books/author/Ann/year/2020:params:{"author":"Ann","year":"2020"}:query:{"a":["1"],"b":["2"]}`,
		key)
}

func TestRequestKey_BodyDigest(t *testing.T) {
	policy := cache.Policy{KeyTemplate: "books:batch"}

	keyFor := func(body string) string {
		req := httptest.NewRequest(http.MethodPost, "/books/batch", strings.NewReader(body))
		key, err := cache.RequestKey(policy, req)
		require.NoError(t, err)
		return key
	}

	a := keyFor(`{"ids":["1"]}`)
	b := keyFor(`{"ids":["2"]}`)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, keyFor(`{"ids":["1"]}`))
	assert.True(t, strings.HasPrefix(a, "books:batch:POST:/books/batch:body:"))
}

func TestPolicies_Middleware(t *testing.T) {
	svc, _, _ := newService(t)
	policies := cache.Policies{
		"listBooks": {TTL: time.Minute, KeyTemplate: "books:list", Condition: cache.NonEmpty},
	}

	calls := 0
	status := http.StatusOK
	body := `[{"bookId":"1"}]`

	r := chi.NewRouter()
	r.With(policies.Middleware(svc, "listBooks")).Get("/books", func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
	r.With(policies.Middleware(svc, "uncached")).Get("/other", func(w http.ResponseWriter, req *http.Request) {
		calls++
	})

	do := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("miss then hit", func(t *testing.T) {
		first := do("/books")
		assert.Equal(t, "MISS", first.Header().Get(cache.HeaderCache))
		second := do("/books")
		assert.Equal(t, "HIT", second.Header().Get(cache.HeaderCache))
		assert.Equal(t, body, second.Body.String())
		assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
		assert.Equal(t, 1, calls)
	})

	t.Run("invalidation forces a miss", func(t *testing.T) {
		svc.InvalidateListCaches(context.Background())
		rec := do("/books")
		assert.Equal(t, "MISS", rec.Header().Get(cache.HeaderCache))
		assert.Equal(t, 2, calls)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		svc.InvalidateListCaches(context.Background())
		status = http.StatusInternalServerError
		do("/books")
		do("/books")
		assert.Equal(t, 4, calls)
		status = http.StatusOK
	})

	t.Run("condition rejects empty lists", func(t *testing.T) {
		body = `[]`
		do("/books?page=2")
		do("/books?page=2")
		assert.Equal(t, 6, calls)
	})

	t.Run("operations without policy pass through", func(t *testing.T) {
		rec := do("/other")
		assert.Empty(t, rec.Header().Get(cache.HeaderCache))
		assert.Equal(t, 7, calls)
	})
}

func TestNonEmpty(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`[1]`, true},
		{`[]`, false},
		{`{}`, false},
		{`{"a":1}`, true},
		{`null`, false},
		{`"x"`, true},
		{`not json`, false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, cache.NonEmpty([]byte(tt.body)))
		})
	}
}
