package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/booksync/pkg/booksync"
)

// Syncer runs reconciliation on demand. *booksync.Scheduler satisfies it.
type Syncer interface {
	Trigger(ctx context.Context) ([]booksync.SyncResult, error)
	TriggerDirection(ctx context.Context, d booksync.Direction) (booksync.SyncResult, error)
}

var _ Syncer = (*booksync.Scheduler)(nil)

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	syncer Syncer
}

func NewAdminHandler(syncer Syncer) *AdminHandler {
	return &AdminHandler{syncer: syncer}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sync", h.Sync)
	return r
}

// SyncResponse reports the passes that ran.
type SyncResponse struct {
	Results []booksync.SyncResult `json:"results"`
	Error   string                `json:"error,omitempty"`
}

// Sync runs both passes, or the one named by the direction query parameter.
func (h *AdminHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var (
		results []booksync.SyncResult
		err     error
	)
	switch d := booksync.Direction(r.URL.Query().Get("direction")); d {
	case "":
		results, err = h.syncer.Trigger(r.Context())
	case booksync.AuthoritativeToSecondary, booksync.SecondaryToAuthoritative:
		var res booksync.SyncResult
		res, err = h.syncer.TriggerDirection(r.Context(), d)
		if err == nil {
			results = []booksync.SyncResult{res}
		}
	default:
		badRequest(w, r, "unknown direction "+string(d))
		return
	}

	resp := SyncResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []booksync.SyncResult{}
	}
	if err != nil {
		resp.Error = err.Error()
		render.Status(r, http.StatusBadGateway)
	}
	render.JSON(w, r, resp)
}
