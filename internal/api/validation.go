package api

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// rule checks one field and returns an error message, or "" when valid.
type rule func(v string) string

func required(field string) rule {
	return func(v string) string {
		if strings.TrimSpace(v) == "" {
			return field + " is required"
		}
		return ""
	}
}

func length(field string, minLen, maxLen int) rule {
	return func(v string) string {
		n := utf8.RuneCountInString(v)
		if minLen > 0 && n < minLen {
			return fmt.Sprintf("%s must be at least %d characters long", field, minLen)
		}
		if maxLen > 0 && n > maxLen {
			return fmt.Sprintf("%s must be no more than %d characters long", field, maxLen)
		}
		return ""
	}
}

func email(field string) rule {
	return func(v string) string {
		if !emailRe.MatchString(v) {
			return field + " must be a valid email address"
		}
		return ""
	}
}

// field pairs a value with its rules. Optional fields skip their rules when
// empty; required ones stop at the first failure.
type field struct {
	value    string
	optional bool
	rules    []rule
}

func validate(fields ...field) []string {
	var errs []string
	for _, f := range fields {
		if f.optional && f.value == "" {
			continue
		}
		for _, r := range f.rules {
			if msg := r(f.value); msg != "" {
				errs = append(errs, msg)
				if strings.TrimSpace(f.value) == "" {
					break
				}
			}
		}
	}
	return errs
}
