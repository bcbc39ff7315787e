// Package transform holds the pluggable payload transforms applied by the
// worker before a message is persisted.
package transform

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// DefaultMarker replaces every redacted match.
const DefaultMarker = "[REDACTED]"

// PhonePattern matches simple phone-like numbers such as 555-0199.
const PhonePattern = `\b\d{3}-\d{4}\b`

// ErrMalformedPayload is returned when a payload cannot be transformed at all.
// The worker treats transform errors as permanent.
var ErrMalformedPayload = errors.New("transform: malformed payload")

// Transform maps a payload to its stored form.
type Transform interface {
	Apply(text string) (string, error)
}

// Func adapts a plain function to the Transform interface.
type Func func(text string) (string, error)

// Apply calls f.
func (f Func) Apply(text string) (string, error) {
	return f(text)
}

// Identity returns payloads unchanged.
var Identity Transform = Func(func(text string) (string, error) { return text, nil })

// Redactor masks every match of its patterns with a fixed marker.
type Redactor struct {
	patterns []*regexp.Regexp
	marker   string
}

// NewRedactor compiles the supplied patterns. With no patterns it falls back to
// PhonePattern; an empty marker falls back to DefaultMarker.
func NewRedactor(marker string, patterns ...string) (*Redactor, error) {
	if marker == "" {
		marker = DefaultMarker
	}
	if len(patterns) == 0 {
		patterns = []string{PhonePattern}
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("transform: compile pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Redactor{patterns: compiled, marker: marker}, nil
}

// Apply redacts text. Payloads that are not valid UTF-8 are rejected rather
// than partially masked.
func (r *Redactor) Apply(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", ErrMalformedPayload
	}
	for _, re := range r.patterns {
		text = re.ReplaceAllLiteralString(text, r.marker)
	}
	return text, nil
}

// Chain applies transforms in order and stops at the first error.
func Chain(transforms ...Transform) Transform {
	return Func(func(text string) (string, error) {
		out := text
		for _, t := range transforms {
			if t == nil {
				continue
			}
			var err error
			out, err = t.Apply(out)
			if err != nil {
				return "", err
			}
		}
		return out, nil
	})
}
