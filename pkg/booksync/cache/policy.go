package cache

import (
	"encoding/json"
	"strings"
	"time"
)

// Policy declares how the responses of one operation are cached.
type Policy struct {
	// TTL of stored responses. Zero means the service default.
	TTL time.Duration
	// KeyTemplate is the base of the key. {name} placeholders are filled from
	// route parameters, so invalidation patterns can target them.
	KeyTemplate string
	// Condition decides whether a successful response body is stored. Nil stores all.
	Condition func(body []byte) bool
}

// Policies maps operation names to their cache policy. Operations absent from
// the table are never cached.
type Policies map[string]Policy

// Base expands the template with route parameters.
func (p Policy) Base(params map[string]string) string {
	if !strings.Contains(p.KeyTemplate, "{") {
		return p.KeyTemplate
	}
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(p.KeyTemplate)
}

// NonEmpty accepts JSON bodies that are neither null, an empty array nor an
// empty object.
func NonEmpty(body []byte) bool {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
