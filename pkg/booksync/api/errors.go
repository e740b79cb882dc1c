package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/tendant/booksync/pkg/booksync"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, booksync.ErrBookNotFound):
		return http.StatusNotFound
	case errors.Is(err, booksync.ErrInvalidBook):
		return http.StatusBadRequest
	case errors.Is(err, booksync.ErrBookExists):
		return http.StatusConflict
	case errors.Is(err, booksync.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := ErrorResponse{Error: err.Error()}

	var verr *booksync.ValidationError
	if errors.As(err, &verr) {
		resp.Error = booksync.ErrInvalidBook.Error()
		resp.Fields = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		resp.Error = http.StatusText(status)
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: msg})
}
