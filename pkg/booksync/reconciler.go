package booksync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/booksync/pkg/booksync/events"
)

type outcome string

const (
	outcomeSynced  outcome = "synced"
	outcomeSkipped outcome = "skipped"
	outcomeFailed  outcome = "failed"
)

// Reconciler repairs drift between the authoritative and secondary stores.
// It holds no lock; concurrent passes in the same direction must be serialized
// by the caller (see Scheduler).
type Reconciler struct {
	authoritative AuthoritativeStore
	secondary     SecondaryStore
	audit         AuditLog
	events        EventPublisher
	reports       ReportStore
	logger        *slog.Logger
	now           func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerEvents sets where sync lifecycle events go.
func WithReconcilerEvents(p EventPublisher) ReconcilerOption {
	return func(r *Reconciler) {
		r.events = p
	}
}

// WithReportStore archives a JSON report after every pass.
func WithReportStore(store ReportStore) ReconcilerOption {
	return func(r *Reconciler) {
		r.reports = store
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// NewReconciler creates a reconciler over the two stores and the audit log.
func NewReconciler(authoritative AuthoritativeStore, secondary SecondaryStore, audit AuditLog, opts ...ReconcilerOption) (*Reconciler, error) {
	if authoritative == nil || secondary == nil || audit == nil {
		return nil, fmt.Errorf("authoritative store, secondary store and audit log are required")
	}
	r := &Reconciler{
		authoritative: authoritative,
		secondary:     secondary,
		audit:         audit,
		events:        NewNoopEventPublisher(),
		reports:       NoopReportStore{},
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconciler")
	return r, nil
}

// report is the archived form of a pass.
type report struct {
	SyncResult
	Corrected []string `json:"corrected"`
	Failures  []string `json:"failures"`
}

// ReconcileAuthoritativeToSecondary copies every book whose replica is missing
// or differs in title, author, year or view count. Each correction appends a
// SYNC audit entry; an in-sync book with no audit history gets one as well,
// recording that it was observed.
func (r *Reconciler) ReconcileAuthoritativeToSecondary(ctx context.Context) (SyncResult, error) {
	books, err := r.begin(ctx, AuthoritativeToSecondary, r.authoritative.ListBooks)
	if err != nil {
		return SyncResult{Direction: AuthoritativeToSecondary}, err
	}
	return r.pass(ctx, AuthoritativeToSecondary, books, r.toSecondary)
}

// ReconcileSecondaryToAuthoritative creates books missing from the authoritative
// store and overwrites title, author and year where they differ. View counts of
// existing authoritative rows are never touched and no audit entries are written.
func (r *Reconciler) ReconcileSecondaryToAuthoritative(ctx context.Context) (SyncResult, error) {
	books, err := r.begin(ctx, SecondaryToAuthoritative, r.secondary.ListBooks)
	if err != nil {
		return SyncResult{Direction: SecondaryToAuthoritative}, err
	}
	return r.pass(ctx, SecondaryToAuthoritative, books, r.toAuthoritative)
}

// Reconcile runs the pass for d.
func (r *Reconciler) Reconcile(ctx context.Context, d Direction) (SyncResult, error) {
	switch d {
	case AuthoritativeToSecondary:
		return r.ReconcileAuthoritativeToSecondary(ctx)
	case SecondaryToAuthoritative:
		return r.ReconcileSecondaryToAuthoritative(ctx)
	}
	return SyncResult{}, fmt.Errorf("unknown sync direction %q", d)
}

func (r *Reconciler) begin(ctx context.Context, d Direction, list func(context.Context) ([]Book, error)) ([]Book, error) {
	r.events.SyncStarted(ctx, events.Payload{Changes: map[string]any{"direction": string(d)}})
	r.logger.Info("SYNC: starting", "direction", d)

	books, err := list(ctx)
	if err != nil {
		r.logger.Error("SYNC: failed to list books", "direction", d, "err", err)
		return nil, &StoreError{Store: sourceOf(d), Op: "list", Err: err}
	}
	return books, nil
}

func sourceOf(d Direction) string {
	if d == SecondaryToAuthoritative {
		return "secondary"
	}
	return "authoritative"
}

func (r *Reconciler) pass(ctx context.Context, d Direction, books []Book, reconcile func(context.Context, Book) outcome) (SyncResult, error) {
	res := SyncResult{Direction: d, StartedAt: r.now().UTC()}
	rep := report{Corrected: []string{}, Failures: []string{}}

	for _, book := range books {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o := reconcile(ctx, book)
		reconcileRecords.WithLabelValues(string(d), string(o)).Inc()
		switch o {
		case outcomeSynced:
			res.Synced++
			rep.Corrected = append(rep.Corrected, book.ID)
		case outcomeSkipped:
			res.Skipped++
		case outcomeFailed:
			res.Failed++
			rep.Failures = append(rep.Failures, book.ID)
		}
	}

	res.FinishedAt = r.now().UTC()
	reconcileDuration.WithLabelValues(string(d)).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	r.logger.Info("SYNC: completed", "direction", d, "synced", res.Synced, "skipped", res.Skipped, "failed", res.Failed)

	r.events.SyncCompleted(ctx, events.Payload{Changes: map[string]any{
		"direction": string(d),
		"source":    sourceOf(d),
		"synced":    res.Synced,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	}})

	rep.SyncResult = res
	r.saveReport(ctx, rep)
	return res, nil
}

func (r *Reconciler) toSecondary(ctx context.Context, book Book) outcome {
	replica, err := r.secondary.GetBook(ctx, book.ID)
	if err != nil && !errors.Is(err, ErrBookNotFound) {
		r.logger.Error("SYNC: failed to read replica", "book_id", book.ID, "err", err)
		return outcomeFailed
	}

	if replica == nil || !replica.Same(book) {
		if err := r.secondary.PutBook(ctx, book); err != nil {
			r.logger.Error("SYNC: failed to write replica", "book_id", book.ID, "err", err)
			return outcomeFailed
		}
		r.logger.Debug("SYNC: corrected replica", "book_id", book.ID, "missing", replica == nil)
		r.appendSync(ctx, book)
		return outcomeSynced
	}

	has, err := r.audit.HasLogs(ctx, book.ID)
	if err != nil {
		r.logger.Warn("SYNC: failed to check audit history", "book_id", book.ID, "err", err)
		return outcomeSkipped
	}
	if !has {
		r.logger.Debug("SYNC: first observation", "book_id", book.ID)
		r.appendSync(ctx, book)
	}
	return outcomeSkipped
}

func (r *Reconciler) toAuthoritative(ctx context.Context, book Book) outcome {
	current, err := r.authoritative.GetBook(ctx, book.ID)
	switch {
	case errors.Is(err, ErrBookNotFound):
		if err := r.authoritative.PutBook(ctx, book); err != nil {
			r.logger.Error("SYNC: failed to create book", "book_id", book.ID, "err", err)
			return outcomeFailed
		}
		r.logger.Debug("SYNC: created missing book", "book_id", book.ID)
		return outcomeSynced
	case err != nil:
		r.logger.Error("SYNC: failed to read book", "book_id", book.ID, "err", err)
		return outcomeFailed
	case current.SameDetails(book):
		return outcomeSkipped
	}

	if err := r.authoritative.UpdateBookDetails(ctx, book); err != nil {
		r.logger.Error("SYNC: failed to update book", "book_id", book.ID, "err", err)
		return outcomeFailed
	}
	r.logger.Debug("SYNC: updated book details", "book_id", book.ID)
	return outcomeSynced
}

func (r *Reconciler) appendSync(ctx context.Context, book Book) {
	if err := r.audit.AppendLog(ctx, NewAuditLogEntry(OperationSync, book)); err != nil {
		auditFailures.Inc()
		r.logger.Error("SYNC: failed to write audit log", "book_id", book.ID, "err", err)
	}
}

// ReportKey is where the report of a pass started at t is archived.
func ReportKey(d Direction, t time.Time) string {
	return fmt.Sprintf("sync-reports/%s/%s.json", d, t.UTC().Format(time.RFC3339))
}

func (r *Reconciler) saveReport(ctx context.Context, rep report) {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		r.logger.Error("Failed to encode sync report", "err", err)
		return
	}
	key := ReportKey(rep.Direction, rep.StartedAt)
	if err := r.reports.SaveReport(ctx, key, bytes.NewReader(data)); err != nil {
		r.logger.Error("Failed to archive sync report", "key", key, "err", err)
	}
}
