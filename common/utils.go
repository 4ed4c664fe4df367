package common

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// GenerateRandomBytes generates a slice of random bytes of the specified size
func GenerateRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %d random bytes: %w", size, err)
	}
	return b, nil
}

// MatchesPattern reports whether target equals one of the patterns or, for
// patterns ending in '*', starts with its prefix. An empty pattern list
// matches everything.
func MatchesPattern(target string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(target, prefix) {
				return true
			}
			continue
		}
		if target == p {
			return true
		}
	}
	return false
}
