package common

import (
	"fmt"
	"sort"
	"strings"
)

// FormatOperationResults formats walker results grouped by category
func FormatOperationResults(title string, results []*OperationResult) string {
	if len(results) == 0 {
		return "No directories walked"
	}

	var out strings.Builder
	out.WriteString(title)
	out.WriteString("\n")

	categories := CategorizeResults(results)
	names := make([]string, 0, len(categories))
	for category := range categories {
		names = append(names, category)
	}
	sort.Strings(names)

	for _, category := range names {
		var emoji string
		switch category {
		case "SECTIONS":
			emoji = "📦"
		case "SYMBOLS":
			emoji = "🔤"
		case "DIRECTORIES":
			emoji = "🔍"
		default:
			emoji = "🛠️"
		}

		out.WriteString(fmt.Sprintf("%s %s:\n", emoji, category))
		for _, r := range categories[category] {
			prefix := "   ✓ "
			if r.Err != nil {
				prefix = "   ❌ "
			} else if !r.Found {
				prefix = "   · "
			}
			out.WriteString(prefix + r.String() + "\n")
		}
	}

	return strings.TrimSuffix(out.String(), "\n")
}

// CategorizeResults groups results by the kind of table they walked
func CategorizeResults(results []*OperationResult) map[string][]*OperationResult {
	categories := make(map[string][]*OperationResult)

	for _, r := range results {
		name := strings.ToLower(r.Name)
		var category string
		switch {
		case strings.Contains(name, "section") || strings.Contains(name, "segment"):
			category = "SECTIONS"
		case strings.Contains(name, "symbol") || strings.Contains(name, "export") ||
			strings.Contains(name, "import") || strings.Contains(name, "member"):
			category = "SYMBOLS"
		case strings.Contains(name, "tls") || strings.Contains(name, "resource") ||
			strings.Contains(name, "config") || strings.Contains(name, "cfg") ||
			strings.Contains(name, "dynamic"):
			category = "DIRECTORIES"
		default:
			category = "OTHER"
		}
		categories[category] = append(categories[category], r)
	}

	return categories
}
