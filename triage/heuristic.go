package triage

import (
	"strings"
	"unicode"
)

// DefaultWordThreshold is the word count at or above which a query is never
// treated as simple.
const DefaultWordThreshold = 12

// DefaultKeywords is the domain vocabulary that signals a specialist task.
var DefaultKeywords = []string{
	// research
	"research", "investigate", "latest", "news", "sources", "compare", "find",
	// report
	"report", "summary", "summarize", "document",
	// coding
	"code", "implement", "function", "program", "debug", "bug", "algorithm",
	"javascript", "python", "typescript", "golang", "script", "api",
	// data
	"data", "dataset", "analyze", "analysis", "statistics", "chart", "csv", "sql",
	// writing
	"write", "essay", "article", "blog", "draft", "email", "story",
	// decision
	"decide", "decision", "choose", "recommend", "pros and cons", "should i",
}

type heuristic struct {
	threshold int
	words     map[string]struct{}
	phrases   []string
}

func newHeuristic(threshold int, keywords []string) heuristic {
	h := heuristic{threshold: threshold, words: make(map[string]struct{})}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		switch {
		case k == "":
		case strings.Contains(k, " "):
			h.phrases = append(h.phrases, k)
		default:
			h.words[k] = struct{}{}
		}
	}
	return h
}

func (h heuristic) isSimple(query string) bool {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 || len(fields) >= h.threshold {
		return false
	}

	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if _, hit := h.words[w]; hit {
			return false
		}
	}

	normalized := strings.Join(fields, " ")
	for _, p := range h.phrases {
		if strings.Contains(normalized, p) {
			return false
		}
	}
	return true
}
