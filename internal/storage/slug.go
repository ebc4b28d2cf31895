package storage

import (
	"fmt"
	"regexp"
	"strings"
)

var nonSlugRun = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s, replaces runs of non-alphanumeric characters with a
// single dash, and trims leading/trailing dashes (spec §4.5). An empty
// result (e.g. a name with no alphanumeric characters) falls back to
// "unnamed" so callers never have to special-case an empty slug.
func Slug(s string) string {
	lowered := strings.ToLower(s)
	dashed := nonSlugRun.ReplaceAllString(lowered, "-")
	trimmed := strings.Trim(dashed, "-")
	if trimmed == "" {
		return "unnamed"
	}
	return trimmed
}

// UniqueSlug returns slug, or slug suffixed with "-2", "-3", ... until exists
// reports false for the candidate. exists is typically backed by a database
// lookup against the field the slug seeds (server slug, job local base path).
func UniqueSlug(base string, exists func(candidate string) (bool, error)) (string, error) {
	candidate := base
	for n := 2; ; n++ {
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}
