// Package api exposes the book catalog over HTTP.
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/booksync/pkg/booksync"
	"github.com/tendant/booksync/pkg/booksync/cache"
)

const (
	maxBatchSize        = 100
	defaultTrendingSize = 10

	// HeaderUserID identifies the viewer on view requests.
	HeaderUserID = "X-User-ID"
)

// Operation names keyed into the response cache policies.
const (
	OpListBooks           = "listBooks"
	OpFindByAuthorAndYear = "findByAuthorAndYear"
	OpTrending            = "trending"
	OpBookLogs            = "bookLogs"
)

// DefaultPolicies caches list-shaped reads under the key families the
// invalidation subscriber clears.
func DefaultPolicies() cache.Policies {
	return cache.Policies{
		OpListBooks: {
			TTL:         5 * time.Minute,
			KeyTemplate: "books:list",
			Condition:   cache.NonEmpty,
		},
		OpFindByAuthorAndYear: {
			TTL:         10 * time.Minute,
			KeyTemplate: "books:author:{author}",
			Condition:   cache.NonEmpty,
		},
		OpTrending: {
			TTL:         30 * time.Second,
			KeyTemplate: "books:trending",
		},
		OpBookLogs: {
			TTL:         time.Minute,
			KeyTemplate: "book:{id}:logs",
			Condition:   cache.NonEmpty,
		},
	}
}

// BookHandler handles HTTP requests for books
type BookHandler struct {
	service  booksync.Service
	cache    *cache.Service
	policies cache.Policies
}

// NewBookHandler creates a book handler. A nil cache disables response caching.
func NewBookHandler(service booksync.Service, c *cache.Service, policies cache.Policies) *BookHandler {
	return &BookHandler{service: service, cache: c, policies: policies}
}

func (h *BookHandler) cached(op string) func(http.Handler) http.Handler {
	if h.cache == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.policies.Middleware(h.cache, op)
}

// Routes returns the routes for books
func (h *BookHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateBook)
	r.With(h.cached(OpListBooks)).Get("/", h.ListBooks)
	r.Post("/batch", h.BatchCreateBooks)
	r.Get("/batch", h.BatchGetBooks)
	r.With(h.cached(OpTrending)).Get("/trending", h.Trending)
	r.With(h.cached(OpFindByAuthorAndYear)).Get("/author/{author}/year/{year}", h.FindByAuthorAndYear)

	r.Get("/{id}", h.GetBook)
	r.Put("/{id}", h.UpdateBook)
	r.Delete("/{id}", h.DeleteBook)
	r.Post("/{id}/views", h.RecordView)
	r.With(h.cached(OpBookLogs)).Get("/{id}/logs", h.GetLogs)

	return r
}

func (h *BookHandler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req booksync.CreateBookRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	book, err := h.service.CreateBook(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, book)
}

// BatchCreateRequest is the request body for creating several books
type BatchCreateRequest struct {
	Books []booksync.CreateBookRequest `json:"books"`
}

func (h *BookHandler) BatchCreateBooks(w http.ResponseWriter, r *http.Request) {
	var req BatchCreateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if len(req.Books) > maxBatchSize {
		badRequest(w, r, "too many books, max "+strconv.Itoa(maxBatchSize))
		return
	}

	books, err := h.service.BatchCreateBooks(r.Context(), req.Books)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, books)
}

func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if books == nil {
		books = []booksync.Book{}
	}
	render.JSON(w, r, books)
}

// BatchGetBooks accepts ids as repeated or comma separated id parameters.
func (h *BookHandler) BatchGetBooks(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, v := range r.URL.Query()["id"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		badRequest(w, r, "at least one id is required")
		return
	}
	if len(ids) > maxBatchSize {
		badRequest(w, r, "too many ids, max "+strconv.Itoa(maxBatchSize))
		return
	}

	books, err := h.service.BatchGetBooks(r.Context(), ids)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, books)
}

func (h *BookHandler) Trending(w http.ResponseWriter, r *http.Request) {
	limit := defaultTrendingSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}
	render.JSON(w, r, h.service.Trending(r.Context(), limit))
}

func (h *BookHandler) FindByAuthorAndYear(w http.ResponseWriter, r *http.Request) {
	author := chi.URLParam(r, "author")
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		badRequest(w, r, "year must be an integer")
		return
	}

	books, err := h.service.FindByAuthorAndYear(r.Context(), author, year)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if books == nil {
		books = []booksync.Book{}
	}
	render.JSON(w, r, books)
}

func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.service.GetBook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, book)
}

func (h *BookHandler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	var req booksync.UpdateBookRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	book, err := h.service.UpdateBook(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, book)
}

func (h *BookHandler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteBook(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BookHandler) RecordView(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}

	book, err := h.service.RecordView(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, book)
}

func (h *BookHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	var page booksync.LogPage
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, r, name+" must be an integer")
			return
		}
		*dst = n
	}

	entries, err := h.service.GetLogsForBook(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []booksync.AuditLogEntry{}
	}
	render.JSON(w, r, entries)
}
