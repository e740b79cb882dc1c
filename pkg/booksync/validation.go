package booksync

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxTitleLength  = 200
	maxAuthorLength = 100
	minYear         = 1000
)

// Validate checks the fields a client may set.
func (b Book) Validate() error {
	fields := map[string]string{}

	if strings.TrimSpace(b.ID) == "" {
		fields["bookId"] = "must not be empty"
	}
	if n := utf8.RuneCountInString(b.Title); n == 0 || n > maxTitleLength {
		fields["title"] = fmt.Sprintf("length must be between 1 and %d", maxTitleLength)
	}
	if n := utf8.RuneCountInString(b.Author); n == 0 || n > maxAuthorLength {
		fields["author"] = fmt.Sprintf("length must be between 1 and %d", maxAuthorLength)
	}
	if maxYear := time.Now().Year(); b.PublicationYear < minYear || b.PublicationYear > maxYear {
		fields["publicationYear"] = fmt.Sprintf("must be between %d and %d", minYear, maxYear)
	}
	if b.ViewCount < 0 {
		fields["views"] = "must not be negative"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
