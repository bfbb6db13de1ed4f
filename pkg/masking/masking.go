// Package masking scrubs credentials from chat content before it is
// persisted or streamed. Matching is regex-based over a built-in pattern set;
// masking is best-effort and must never fail the write path.
package masking

import (
	"log/slog"
	"regexp"
)

// pattern pairs a credential-shaped regex with its replacement.
type pattern struct {
	name        string
	regex       string
	replacement string
}

// builtinPatterns covers the credential shapes that commonly leak into chat:
// provider API keys, bearer tokens, key=value password assignments, and
// connection URLs with inline credentials.
var builtinPatterns = []pattern{
	{
		name:        "openai_api_key",
		regex:       `sk-[A-Za-z0-9_-]{20,}`,
		replacement: "***MASKED_API_KEY***",
	},
	{
		name:        "github_token",
		regex:       `gh[pousr]_[A-Za-z0-9]{36,}`,
		replacement: "***MASKED_TOKEN***",
	},
	{
		name:        "bearer_token",
		regex:       `(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`,
		replacement: "Bearer ***MASKED_TOKEN***",
	},
	{
		name:        "password_assignment",
		regex:       `(?i)(password|passwd|secret|api[_-]?key|token)(\s*[=:]\s*)\S+`,
		replacement: "$1$2***MASKED***",
	},
	{
		name:        "url_credentials",
		regex:       `(?i)([a-z][a-z0-9+.-]*://[^:/\s]+):[^@\s]+@`,
		replacement: "$1:***MASKED***@",
	},
}

// compiled is one ready-to-apply pattern.
type compiled struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// Service applies the pattern set to free-form text.
type Service struct {
	patterns []compiled
}

// NewService compiles the built-in patterns. Invalid patterns are logged and
// skipped, never fatal.
func NewService() *Service {
	s := &Service{}
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.regex)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, compiled{name: p.name, re: re, replacement: p.replacement})
	}
	return s
}

// Mask returns data with every pattern match replaced. The input is returned
// unchanged when nothing matches.
func (s *Service) Mask(data string) string {
	for _, p := range s.patterns {
		data = p.re.ReplaceAllString(data, p.replacement)
	}
	return data
}
