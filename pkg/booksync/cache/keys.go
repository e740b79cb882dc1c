package cache

import (
	"strings"
	"time"
)

const (
	DefaultTTL    = time.Hour
	DefaultPrefix = "cache:"

	// TrendingKey is stored unprefixed so other consumers can read it by name.
	TrendingKey = "trending:books"
	TrendingCap = 100
	TrendingTTL = 24 * time.Hour

	viewerWindow = 5 * time.Minute
	viewerTTL    = time.Hour
)

// listPatterns are the logical key families holding list-shaped responses.
var listPatterns = []string{
	"books:all",
	"books:list:*",
	"books:author:*",
	"books:trending",
	"books:recent",
}

// BookKey is the per-book cache key.
func BookKey(id string) string {
	return "book:" + id
}

// ViewsKey holds the approximate per-book view counter.
func ViewsKey(id string) string {
	return "views:" + id
}

// CurrentlyViewingKey is the unprefixed sorted set of recent viewers of a book.
func CurrentlyViewingKey(id string) string {
	return "currently_viewing:" + id
}

// AuthorPattern matches every cache entry scoped to author.
func AuthorPattern(author string) string {
	return "books:author:" + EscapePattern(author) + ":*"
}

var patternEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
	`{`, `\{`,
	`}`, `\}`,
)

// EscapePattern quotes glob metacharacters so s matches only itself.
func EscapePattern(s string) string {
	return patternEscaper.Replace(s)
}
