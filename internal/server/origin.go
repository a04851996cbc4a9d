package server

import (
	"fmt"
	"regexp"
	"sync"
)

// OriginWhitelist holds the patterns a browser Origin header must match.
// Patterns are unanchored regular expressions.
type OriginWhitelist struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewOriginWhitelist compiles origins, each a regular expression.
func NewOriginWhitelist(origins []string) (*OriginWhitelist, error) {
	w := &OriginWhitelist{}
	for _, o := range origins {
		if err := w.Add(o); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Add compiles and appends one origin pattern.
func (w *OriginWhitelist) Add(origin string) error {
	re, err := regexp.Compile(origin)
	if err != nil {
		return fmt.Errorf("server: invalid allowed origin %q: %w", origin, err)
	}
	w.mu.Lock()
	w.patterns = append(w.patterns, re)
	w.mu.Unlock()
	return nil
}

// IsOK reports whether origin matches any pattern.
func (w *OriginWhitelist) IsOK(origin string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, re := range w.patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}
