// Package router selects the best agent for a message by overlapping the
// capabilities the message requires with the capabilities each agent
// declares.
package router

import (
	"errors"
	"sort"
	"strings"
)

// ErrNoAgents is returned when no ready candidate exists.
var ErrNoAgents = errors.New("no ready agents to route to")

// fallbackScore is assigned when a candidate shares no required capability,
// biasing selection toward answering anyway rather than refusing.
const fallbackScore = 0.3

// Candidate is an agent eligible for routing.
type Candidate struct {
	ID           string
	Name         string
	Capabilities []string
	Ready        bool
}

// Decision records how an agent was chosen.
type Decision struct {
	AgentID    string   `json:"agent_id"`
	AgentName  string   `json:"agent_name"`
	Required   []string `json:"required_capabilities"`
	Score      float64  `json:"score"`
	Confidence string   `json:"confidence"`
	Fallback   bool     `json:"fallback"`
}

// capabilityKeywords maps each capability to its trigger keywords. Matching
// is a lowercase substring check, which also covers inflected forms.
var capabilityKeywords = map[string][]string{
	"debug": {
		"debug", "bug", "error", "fix", "crash", "broken", "exception",
		"traceback", "stacktrace", "fehler", "erreur", "fallo", "ошибка",
		"почини", "исправь",
	},
	"implement_feature": {
		"implement", "add ", "create", "build", "write", "feature",
		"implementier", "crear", "añad", "ajouter", "реализуй", "добавь",
		"напиши", "сделай",
	},
	"explain": {
		"explain", "what is", "what does", "how does", "why", "describe",
		"understand", "erklär", "explica", "explique", "объясни", "что такое",
		"как работает", "почему",
	},
	"design": {
		"design", "architect", "structure", "refactor", "schema", "plan the",
		"entwurf", "diseñ", "conception", "архитектур", "спроектируй",
	},
	"test": {
		"test", "verify", "check", "coverage", "assert", "prüf", "prueba",
		"vérifie", "тест", "проверь",
	},
}

// RequiredCapabilities extracts the capabilities a message calls for.
// A message matching nothing defaults to {explain}.
func RequiredCapabilities(message string) []string {
	lower := strings.ToLower(message)
	var required []string
	for capability, keywords := range capabilityKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				required = append(required, capability)
				break
			}
		}
	}
	if len(required) == 0 {
		required = []string{"explain"}
	}
	sort.Strings(required)
	return required
}

// Score rates a candidate against the required set:
// |required ∩ capabilities| / |required|, or the fallback bias when the
// intersection is empty.
func Score(required, capabilities []string) float64 {
	if len(required) == 0 {
		return fallbackScore
	}
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	matched := 0
	for _, r := range required {
		if caps[r] {
			matched++
		}
	}
	if matched == 0 {
		return fallbackScore
	}
	return float64(matched) / float64(len(required))
}

// Confidence buckets a score.
func Confidence(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

// Route picks the highest-scoring ready candidate. Ties break on name for
// determinism. Returns ErrNoAgents when nothing is ready.
func Route(message string, candidates []Candidate) (*Decision, error) {
	required := RequiredCapabilities(message)

	var best *Candidate
	bestScore := -1.0
	for i := range candidates {
		c := &candidates[i]
		if !c.Ready {
			continue
		}
		s := Score(required, c.Capabilities)
		if s > bestScore || (s == bestScore && best != nil && c.Name < best.Name) {
			best = c
			bestScore = s
		}
	}
	if best == nil {
		return nil, ErrNoAgents
	}

	return &Decision{
		AgentID:    best.ID,
		AgentName:  best.Name,
		Required:   required,
		Score:      bestScore,
		Confidence: Confidence(bestScore),
		Fallback:   bestScore == fallbackScore,
	}, nil
}
