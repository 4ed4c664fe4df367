package common

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Categories assigned by CategorizeString.
const (
	CategoryURL     = "url"
	CategoryEmail   = "email"
	CategoryPath    = "path"
	CategoryVersion = "version"
	CategoryBuild   = "build"
	CategoryShell   = "shell"
	CategoryEncoded = "encoded"
)

var (
	assemblyArtifactRegex = regexp.MustCompile(`(\w*[\$` + "`" + `%]\d+[\w\$` + "`" + `%]*){3,}`)
	runtimePrefixRegex    = regexp.MustCompile(`^(?:go|runtime|std|core|alloc|System|Microsoft|__libc_|__glibc_|rust_|_ZN)[./:]`)

	networkURLRegex = regexp.MustCompile(`^(?:https?|ftp|ssh|ldap)://[a-zA-Z0-9.-]+|^www\.[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	emailRegex      = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	filePathRegex   = regexp.MustCompile(`^[A-Za-z]:\\[^<>:"|?*\x00-\x1f]+$|^(?:/[^<>:"|?*\x00-\x1f/ ]+){2,}$`)
	versionRegex    = regexp.MustCompile(`(?i)\b(?:v|version)\s*\.?\s*(?:[0-9]{1,3}\.){1,2}[0-9]{1,3}\b|go1\.[0-9]{1,2}(?:\.[0-9]{1,2})?\b|GCC: \([^)]+\) [0-9]+\.[0-9]+\.[0-9]+`)
	buildInfoRegex  = regexp.MustCompile(`(?i)Go build ID: "|build[-\s]?id[:\s]*[a-f0-9]{7,40}|(?:gcc|clang|rustc|msvc)[\s:/\-]+[0-9]+\.[0-9]+`)
	base64Regex     = regexp.MustCompile(`^[A-Za-z0-9+/]{24,}={0,2}$`)

	shellKeywords = []string{"bash ", "sh -c", "cmd.exe", "powershell", "sudo ", "chmod ", "wget ", "curl "}
)

// FoundString is a printable run located in a byte slice.
type FoundString struct {
	Offset   uint64
	Wide     bool
	Value    string
	Category string
}

// ExtractStrings returns runs of printable ASCII, and of ASCII widened to
// UTF-16LE, that are at least minLen characters long. Offsets are relative
// to data.
func ExtractStrings(data []byte, minLen int) []FoundString {
	var out []FoundString
	var current []byte
	start, wide := 0, false

	flush := func() {
		if len(current) >= minLen {
			out = append(out, FoundString{Offset: uint64(start), Wide: wide, Value: string(current)})
		}
		current = current[:0]
	}

	for i := 0; i < len(data); {
		b := data[i]
		if !isPrintable(b) {
			flush()
			i++
			continue
		}
		if len(current) == 0 {
			start = i
			wide = i+1 < len(data) && data[i+1] == 0
		}
		if wide {
			// a byte without its zero high half starts a new narrow run
			if i+1 >= len(data) || data[i+1] != 0 {
				flush()
				continue
			}
			current = append(current, b)
			i += 2
			continue
		}
		current = append(current, b)
		i++
	}
	flush()
	return out
}

func isPrintable(b byte) bool {
	return b >= 0x20 && b <= 0x7e
}

// CategorizeString names what s looks like, or returns "" when it is
// nothing of interest.
func CategorizeString(s string) string {
	s = strings.TrimSpace(s)
	if IsGarbageString(s) {
		return ""
	}
	lower := strings.ToLower(s)
	switch {
	case networkURLRegex.MatchString(lower):
		return CategoryURL
	case emailRegex.MatchString(s):
		return CategoryEmail
	case versionRegex.MatchString(s) && len(s) < 100:
		return CategoryVersion
	case buildInfoRegex.MatchString(s):
		return CategoryBuild
	case filePathRegex.MatchString(s):
		return CategoryPath
	case base64Regex.MatchString(s) && StringEntropy(s) > 4.5:
		return CategoryEncoded
	}
	for _, kw := range shellKeywords {
		if strings.Contains(lower, kw) {
			return CategoryShell
		}
	}
	return ""
}

// IsGarbageString reports runs that are almost certainly code bytes or
// runtime internals rather than text.
func IsGarbageString(s string) bool {
	n := len(s)
	if n < 4 {
		return true
	}
	if assemblyArtifactRegex.MatchString(s) || runtimePrefixRegex.MatchString(s) {
		return true
	}
	if StringEntropy(s) < 2.0 {
		return true
	}

	var special, letters int
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letters++
		case strings.ContainsRune("$`@#^&*()[]{}|\\<>?~+=%", r):
			special++
		}
	}
	return float64(special)/float64(n) > 0.4 && float64(letters)/float64(n) < 0.3
}

// StringEntropy is the Shannon entropy of s in bits per byte.
func StringEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	entropy := 0.0
	length := float64(len(s))
	for _, count := range freq {
		if count > 0 {
			p := float64(count) / length
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}
