package coordinator

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// MaxAutoName is the rune length of a name derived from an instruction.
const MaxAutoName = 50

// autoName names an unnamed session after its first instruction.
func (c *Coordinator) autoName(text string) {
	c.mu.Lock()
	if c.displayName != "" {
		c.mu.Unlock()
		return
	}
	name := nameFromText(text)
	if name == "" {
		c.mu.Unlock()
		return
	}
	c.displayName = name
	c.mu.Unlock()

	c.log.Debug().Str("name", name).Msg("Session auto-named")
	if c.hooks.Renamed != nil {
		c.hooks.Renamed(name)
	}
}

// SetDisplayName renames the session.
func (c *Coordinator) SetDisplayName(name string) {
	c.rename(name)
}

func (c *Coordinator) rename(name string) {
	c.mu.Lock()
	c.displayName = name
	c.mu.Unlock()
	if c.hooks.Renamed != nil {
		c.hooks.Renamed(name)
	}
}

// nameFromText takes the first non-empty line with whitespace collapsed and
// shortens it to MaxAutoName runes, at a word boundary when there is one.
func nameFromText(text string) string {
	var line string
	for _, l := range strings.Split(text, "\n") {
		if line = strings.Join(strings.Fields(l), " "); line != "" {
			break
		}
	}
	if utf8.RuneCountInString(line) <= MaxAutoName {
		return line
	}

	runes := []rune(line)
	cut := string(runes[:MaxAutoName])
	if runes[MaxAutoName] != ' ' {
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
	}
	return strings.TrimSpace(cut)
}

// suggest returns the candidate closest to key, or "" when none is close.
func suggest(key string, candidates []string) string {
	best, bestDist := "", -1
	for _, cand := range candidates {
		d := levenshtein.ComputeDistance(strings.ToLower(key), cand)
		if bestDist < 0 || d < bestDist {
			best, bestDist = cand, d
		}
	}
	if bestDist < 0 || bestDist > max(2, len(key)/3) {
		return ""
	}
	return best
}
