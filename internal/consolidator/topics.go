package consolidator

import (
	"regexp"
	"strings"
)

// topicPatterns mirror the teacher's entity-extraction regex set
// (internal/extractor/regex.go), retargeted from "find components to
// graph" to "find topic tags to group working-set events by."
var topicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Z][a-z]+(?:[A-Z][a-z]+)+`),  // CamelCase identifiers
	regexp.MustCompile(`[a-z]+-[a-z]+(?:-[a-z]+)*`),    // kebab-case identifiers
	regexp.MustCompile(`[a-z_]+\.[a-z_]+`),             // dotted paths / module refs
	regexp.MustCompile(`(?i)\b\w*(migration|endpoint|handler|worker|schema|index|query|timeout|deadlock|regression)\w*\b`),
}

// programmingVerbs is the fixed list of action words that tag a topic even
// without a matching identifier pattern, per spec.md §4.8.
var programmingVerbs = []string{
	"fix", "fixed", "fixing", "refactor", "refactored", "debug", "debugged",
	"implement", "implemented", "test", "tested", "deploy", "deployed",
	"migrate", "migrated", "optimize", "optimized", "investigate", "investigated",
}

const maxTopicsPerEvent = 5

// extractTopics pulls up to maxTopicsPerEvent topic tags from event content:
// regex-matched code-ish tokens first, then any matching fixed verbs.
func extractTopics(content string) []string {
	seen := make(map[string]bool)
	var topics []string

	add := func(tag string) bool {
		tag = strings.ToLower(tag)
		if tag == "" || seen[tag] {
			return false
		}
		seen[tag] = true
		topics = append(topics, tag)
		return len(topics) >= maxTopicsPerEvent
	}

	for _, pat := range topicPatterns {
		for _, m := range pat.FindAllString(content, -1) {
			if add(m) {
				return topics
			}
		}
	}

	lower := strings.ToLower(content)
	for _, verb := range programmingVerbs {
		if strings.Contains(lower, verb) {
			if add(verb) {
				return topics
			}
		}
	}

	return topics
}
