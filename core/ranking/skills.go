package ranking

import (
	"regexp"
	"strings"
)

// SkillExtractor derives required skills from a job's free-text notes when no
// structured requirement exists. It is a best-effort legacy parser, not an
// authoritative classifier.
type SkillExtractor interface {
	Extract(notes string) []string
}

// RegexSkillExtractor scans notes for "skill:" style markers and common
// requirement phrasings ("must have X", "requires X").
type RegexSkillExtractor struct{}

var (
	skillTagRe    = regexp.MustCompile(`(?i)skills?\s*:\s*([a-z0-9 ,/+-]+)`)
	skillPhraseRe = regexp.MustCompile(`(?i)(?:must have|requires?|need(?:s|ed)?)\s+(?:an?\s+)?([a-z][a-z0-9 +-]{1,40}?)(?:\s+(?:license|certification|cert|card))?(?:[.,;]|$)`)
)

// Extract implements SkillExtractor.
func (RegexSkillExtractor) Extract(notes string) []string {
	if strings.TrimSpace(notes) == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, m := range skillTagRe.FindAllStringSubmatch(notes, -1) {
		for _, part := range strings.Split(m[1], ",") {
			add(part)
		}
	}
	for _, m := range skillPhraseRe.FindAllStringSubmatch(notes, -1) {
		add(m[1])
	}
	return out
}
