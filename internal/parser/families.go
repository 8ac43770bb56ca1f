package parser

import (
	"fmt"
	"regexp"
	"strconv"
)

// Family is one numbering convention for problem boundaries. The first
// capture group of Pattern must be the problem number.
type Family struct {
	Name    string
	Pattern *regexp.Regexp
}

// Boundary is one problem marker match in the stream.
type Boundary struct {
	Start  int
	End    int
	Number int
}

const (
	FamilyLocalized = "localized"
	FamilyEnglish   = "english"
	FamilyGeneric   = "generic"
)

// DefaultFamilies returns the built-in families in priority order.
func DefaultFamilies() []Family {
	return []Family{
		{Name: FamilyLocalized, Pattern: regexp.MustCompile(`문제\s*(\d+)\s*[:.)]?`)},
		{Name: FamilyEnglish, Pattern: regexp.MustCompile(`\b(?:Question|Q)\.?\s*(\d+)\s*[:.)]?`)},
		{Name: FamilyGeneric, Pattern: regexp.MustCompile(`(?m)^[ \t]*(\d+)\.\s`)},
	}
}

func NewFamily(name, pattern string) (Family, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Family{}, fmt.Errorf("family %s: %w", name, err)
	}
	if re.NumSubexp() < 1 {
		return Family{}, fmt.Errorf("family %s: pattern needs a capture group for the problem number", name)
	}
	return Family{Name: name, Pattern: re}, nil
}

// Boundaries returns every marker of this family in text order.
func (f Family) Boundaries(text string) []Boundary {
	matches := f.Pattern.FindAllStringSubmatchIndex(text, -1)
	out := make([]Boundary, 0, len(matches))
	for _, m := range matches {
		n, _ := strconv.Atoi(text[m[2]:m[3]])
		out = append(out, Boundary{Start: m[0], End: m[1], Number: n})
	}
	return out
}

// selectFamily picks the first family with at least min boundaries. When
// none qualifies, the first family with any boundary is used so a single
// problem document still parses.
func selectFamily(families []Family, text string, min int) (Family, []Boundary, bool) {
	var (
		fallback Family
		fbBounds []Boundary
		found    bool
	)
	for _, f := range families {
		b := f.Boundaries(text)
		if len(b) >= min {
			return f, b, true
		}
		if len(b) > 0 && !found {
			fallback, fbBounds, found = f, b, true
		}
	}
	return fallback, fbBounds, found
}
