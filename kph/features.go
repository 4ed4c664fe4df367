package kph

import (
	"fmt"
	"strings"
)

// Features advertised by IoctlGetFeatures.
type Features uint32

const (
	FeatureVerifyClient Features = 1 << iota
	FeatureReadMemory
	FeatureImageExports

	AllFeatures = FeatureVerifyClient | FeatureReadMemory | FeatureImageExports
)

var featureNames = []struct {
	f    Features
	name string
}{
	{FeatureVerifyClient, "verify"},
	{FeatureReadMemory, "read_memory"},
	{FeatureImageExports, "image_exports"},
}

// ParseFeatures turns feature names into a set. "all" selects every
// feature.
func ParseFeatures(names []string) (Features, error) {
	var f Features
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "all" {
			f |= AllFeatures
			continue
		}
		found := false
		for _, fn := range featureNames {
			if fn.name == name {
				f |= fn.f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown feature %q", name)
		}
	}
	return f, nil
}

func (f Features) Names() []string {
	var out []string
	for _, fn := range featureNames {
		if f&fn.f != 0 {
			out = append(out, fn.name)
		}
	}
	return out
}

func (f Features) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), ",")
}
