package recall

import (
	"errors"
	"strings"
)

// DefaultLocations is the canonical map of the Chernobyl-inspired game world.
var DefaultLocations = Locations{"Pavillion", "Church", "Mansion", "Greenhouse", "Sheds"}

// Locations is the ordered set of canonical place names the NPC may mention.
type Locations []string

// NewLocations trims and de-duplicates names, keeping first occurrences in
// order. It returns an error if no non-empty name remains.
func NewLocations(names ...string) (Locations, error) {
	seen := make(map[string]bool, len(names))
	out := make(Locations, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.New("recall: at least one location is required")
	}
	return out, nil
}

// Mentions reports whether line contains any location name as a
// case-sensitive substring.
func (l Locations) Mentions(line string) bool {
	for _, loc := range l {
		if strings.Contains(line, loc) {
			return true
		}
	}
	return false
}

// Filter returns the lines that mention at least one location, preserving
// their relative order. The input slice is not modified.
func (l Locations) Filter(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if l.Mentions(line) {
			out = append(out, line)
		}
	}
	return out
}

// String joins the names with ", " for use in prompts.
func (l Locations) String() string {
	return strings.Join(l, ", ")
}
