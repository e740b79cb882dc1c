package booksync

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrBookNotFound indicates a book was not found
	ErrBookNotFound = errors.New("book not found")

	// ErrInvalidBook indicates a book failed validation
	ErrInvalidBook = errors.New("invalid book")

	// ErrBookExists indicates a book with the same id already exists
	ErrBookExists = errors.New("book already exists")

	// ErrStoreUnavailable indicates a backing store could not be reached
	ErrStoreUnavailable = errors.New("store unavailable")
)

// BookError represents an error related to a book operation
type BookError struct {
	BookID string
	Op     string
	Err    error
}

func (e *BookError) Error() string {
	return fmt.Sprintf("book operation %s failed for book %s: %v", e.Op, e.BookID, e.Err)
}

func (e *BookError) Unwrap() error {
	return e.Err
}

// StoreError represents an error raised by a backing store
type StoreError struct {
	Store string
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store operation %s failed on %s: %v", e.Op, e.Store, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ValidationError lists the fields that failed validation. It matches ErrInvalidBook.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid book: %v", e.Fields)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidBook
}
