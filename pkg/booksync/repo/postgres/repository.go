// Package postgres stores the authoritative book catalog and its audit log in
// PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/booksync/pkg/booksync"
)

const storeName = "postgres"

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var bookColumns = []string{"book_id", "title", "author", "publication_year", "views"}

// Repository implements booksync.AuthoritativeStore and booksync.AuditLog.
type Repository struct {
	db DBTX
}

var (
	_ booksync.AuthoritativeStore = (*Repository)(nil)
	_ booksync.AuditLog           = (*Repository)(nil)
)

// New creates a repository on top of any connection, pool or transaction.
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a repository backed by a connection pool.
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

func (r *Repository) handlePostgresError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			err = fmt.Errorf("%w: %s", booksync.ErrBookExists, pgErr.ConstraintName)
		case "23502": // not_null_violation
			err = fmt.Errorf("%w: required field %s is missing", booksync.ErrInvalidBook, pgErr.ColumnName)
		case "23514": // check_violation
			err = fmt.Errorf("%w: %s", booksync.ErrInvalidBook, pgErr.ConstraintName)
		case "42P01": // undefined_table
			err = fmt.Errorf("table does not exist - database migration required")
		default:
			err = fmt.Errorf("%s (code: %s)", pgErr.Message, pgErr.Code)
		}
	} else if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		err = fmt.Errorf("%w: %v", booksync.ErrStoreUnavailable, err)
	}
	return &booksync.StoreError{Store: storeName, Op: op, Err: err}
}

func scanBook(row pgx.Row) (booksync.Book, error) {
	var b booksync.Book
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.PublicationYear, &b.ViewCount)
	return b, err
}

func (r *Repository) ListBooks(ctx context.Context) ([]booksync.Book, error) {
	query, args, err := psql.Select(bookColumns...).From("books").OrderBy("book_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list books: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list books", err)
	}
	defer rows.Close()

	var books []booksync.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan book", err)
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list books", err)
	}
	return books, nil
}

func (r *Repository) GetBook(ctx context.Context, id string) (*booksync.Book, error) {
	query, args, err := psql.Select(bookColumns...).From("books").Where(sq.Eq{"book_id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get book: %w", err)
	}
	b, err := scanBook(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, booksync.ErrBookNotFound
		}
		return nil, r.handlePostgresError("get book", err)
	}
	return &b, nil
}

func (r *Repository) PutBook(ctx context.Context, book booksync.Book) error {
	query, args, err := psql.Insert("books").
		Columns(bookColumns...).
		Values(book.ID, book.Title, book.Author, book.PublicationYear, book.ViewCount).
		Suffix(`ON CONFLICT (book_id) DO UPDATE SET
            title = EXCLUDED.title,
            author = EXCLUDED.author,
            publication_year = EXCLUDED.publication_year,
            views = EXCLUDED.views,
            updated_at = now()`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build put book: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return r.handlePostgresError("put book", err)
	}
	return nil
}

func (r *Repository) UpdateBookDetails(ctx context.Context, book booksync.Book) error {
	query, args, err := psql.Update("books").
		Set("title", book.Title).
		Set("author", book.Author).
		Set("publication_year", book.PublicationYear).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"book_id": book.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update book: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return r.handlePostgresError("update book", err)
	}
	if tag.RowsAffected() == 0 {
		return booksync.ErrBookNotFound
	}
	return nil
}

func (r *Repository) IncrementViews(ctx context.Context, id string) (int, error) {
	query, args, err := psql.Update("books").
		Set("views", sq.Expr("views + 1")).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"book_id": id}).
		Suffix("RETURNING views").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build increment views: %w", err)
	}
	var views int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&views); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, booksync.ErrBookNotFound
		}
		return 0, r.handlePostgresError("increment views", err)
	}
	return views, nil
}

func (r *Repository) DeleteBook(ctx context.Context, id string) error {
	query, args, err := psql.Delete("books").Where(sq.Eq{"book_id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete book: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return r.handlePostgresError("delete book", err)
	}
	return nil
}

// Audit log

func (r *Repository) AppendLog(ctx context.Context, entry booksync.AuditLogEntry) error {
	query, args, err := psql.Insert("book_logs").
		Columns("id", "book_id", "operation", "timestamp", "author", "title").
		Values(entry.ID, entry.BookID, string(entry.Operation), entry.Timestamp, entry.Author, entry.Title).
		ToSql()
	if err != nil {
		return fmt.Errorf("build append log: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return r.handlePostgresError("append log", err)
	}
	return nil
}

func (r *Repository) HasLogs(ctx context.Context, bookID string) (bool, error) {
	query, args, err := psql.Select("1").From("book_logs").Where(sq.Eq{"book_id": bookID}).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("build has logs: %w", err)
	}
	var one int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, r.handlePostgresError("has logs", err)
	}
	return true, nil
}

func (r *Repository) ListLogs(ctx context.Context, bookID string, page booksync.LogPage) ([]booksync.AuditLogEntry, error) {
	page = page.Normalize()
	query, args, err := psql.Select("id", "book_id", "operation", "timestamp", "author", "title").
		From("book_logs").
		Where(sq.Eq{"book_id": bookID}).
		OrderBy("timestamp DESC", "id DESC").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list logs: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list logs", err)
	}
	defer rows.Close()

	var entries []booksync.AuditLogEntry
	for rows.Next() {
		var (
			e  booksync.AuditLogEntry
			op string
		)
		if err := rows.Scan(&e.ID, &e.BookID, &op, &e.Timestamp, &e.Author, &e.Title); err != nil {
			return nil, r.handlePostgresError("scan log", err)
		}
		e.Operation = booksync.Operation(op)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list logs", err)
	}
	return entries, nil
}
