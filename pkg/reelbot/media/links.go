package media

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultLinkPatterns match Instagram posts, reels and TV links.
var DefaultLinkPatterns = []string{
	`(?i)(?:https?://)?(?:www\.)?instagram\.com/[^\s]+`,
	`(?i)(?:https?://)?(?:www\.)?instagr\.am/[^\s]+`,
}

// LinkMatcher finds supported media links in free text.
type LinkMatcher struct {
	patterns []*regexp.Regexp
}

// NewLinkMatcher compiles the patterns, or DefaultLinkPatterns when empty.
func NewLinkMatcher(patterns []string) (*LinkMatcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultLinkPatterns
	}
	m := &LinkMatcher{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid link pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Find returns the first supported link in text, normalized to https.
func (m *LinkMatcher) Find(text string) (string, bool) {
	for _, re := range m.patterns {
		if link := re.FindString(text); link != "" {
			link = strings.TrimRight(link, ".,;:!?)]}>\"'")
			if !strings.Contains(link, "://") {
				link = "https://" + link
			}
			return link, true
		}
	}
	return "", false
}
