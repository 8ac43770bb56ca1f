package parser

import (
	"regexp"
	"sort"
	"strings"
)

var (
	answerPattern       = regexp.MustCompile(`(?:정답|답|(?i:answer))\s*[:：\-]\s*([①②③④⑤]|[1-5A-E])(?:[^0-9A-Za-z]|$)`)
	explanationPattern  = regexp.MustCompile(`(?:해설|풀이|(?i:explanation))\s*[:：\-]`)
	digitChoicePattern  = regexp.MustCompile(`(?:^|\s)([1-5])\)`)
	letterChoicePattern = regexp.MustCompile(`(?:^|\s)([A-E])\)`)
)

var circled = []string{"①", "②", "③", "④", "⑤"}

// answerIndex maps every supported answer glyph to its 0-based choice index.
var answerIndex = map[string]int{
	"①": 0, "1": 0, "A": 0,
	"②": 1, "2": 1, "B": 1,
	"③": 2, "3": 2, "C": 2,
	"④": 3, "4": 3, "D": 3,
	"⑤": 4, "5": 4, "E": 4,
}

// AnswerIndex converts an answer glyph to a choice index.
func AnswerIndex(glyph string) (int, bool) {
	i, ok := answerIndex[glyph]
	return i, ok
}

// interval is a half-open byte range relative to the problem span.
type interval struct{ start, end int }

type intervals []interval

func (iv intervals) contains(pos int) bool {
	for _, r := range iv {
		if pos >= r.start && pos < r.end {
			return true
		}
	}
	return false
}

// nextStart is the start of the first interval at or after pos, or limit.
func (iv intervals) nextStart(pos, limit int) int {
	next := limit
	for _, r := range iv {
		if r.start >= pos && r.start < next {
			next = r.start
		}
	}
	return next
}

// merged returns the intervals sorted and coalesced.
func (iv intervals) merged() intervals {
	if len(iv) == 0 {
		return nil
	}
	out := append(intervals(nil), iv...)
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	res := out[:1]
	for _, r := range out[1:] {
		last := &res[len(res)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		res = append(res, r)
	}
	return res
}

type answerMatch struct {
	index int
	found bool
	spans intervals
}

// extractAnswer finds every answer marker; the first one decides the index.
// A glyph must stand alone, so "정답: 12" is not an answer. The stripped span
// ends at the glyph and leaves the following character in place.
func extractAnswer(text string) answerMatch {
	var res answerMatch
	for _, m := range answerPattern.FindAllStringSubmatchIndex(text, -1) {
		res.spans = append(res.spans, interval{m[0], m[3]})
		if !res.found {
			res.index, res.found = AnswerIndex(text[m[2]:m[3]])
		}
	}
	return res
}

type explanationMatch struct {
	text  string
	spans intervals
}

// extractExplanation captures text after an explanation marker up to the
// next explanation marker, the next answer marker or the span end. The first
// explanation is kept; every one is stripped from the question.
func extractExplanation(text string, answers intervals) explanationMatch {
	var res explanationMatch
	markers := explanationPattern.FindAllStringIndex(text, -1)
	for i, m := range markers {
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		end = answers.nextStart(m[1], end)

		res.spans = append(res.spans, interval{m[0], end})
		if res.text == "" {
			res.text = strings.TrimSpace(text[m[1]:end])
		}
	}
	return res
}

type choiceMarker struct {
	start int // marker start
	end   int // text start
}

// extractChoices tries circled markers first, then 1) style, then A) style.
// Markers must appear in sequence starting from the first label; positions
// inside excluded intervals are ignored.
func extractChoices(text string, excluded intervals) ([]string, intervals) {
	markers := circledMarkers(text, excluded)
	if len(markers) == 0 {
		markers = labelledMarkers(text, digitChoicePattern, "12345", excluded)
	}
	if len(markers) == 0 {
		markers = labelledMarkers(text, letterChoicePattern, "ABCDE", excluded)
	}
	if len(markers) == 0 {
		return nil, nil
	}

	choices := make([]string, 0, len(markers))
	var spans intervals
	for i, m := range markers {
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		end = excluded.nextStart(m.end, end)
		choices = append(choices, strings.TrimSpace(text[m.end:end]))
		spans = append(spans, interval{m.start, end})
	}
	return choices, spans
}

func circledMarkers(text string, excluded intervals) []choiceMarker {
	var out []choiceMarker
	pos := 0
	for _, glyph := range circled {
		at := indexOutside(text, glyph, pos, excluded)
		if at < 0 {
			break
		}
		out = append(out, choiceMarker{start: at, end: at + len(glyph)})
		pos = at + len(glyph)
	}
	return out
}

func indexOutside(text, sub string, from int, excluded intervals) int {
	for from <= len(text) {
		i := strings.Index(text[from:], sub)
		if i < 0 {
			return -1
		}
		at := from + i
		if !excluded.contains(at) {
			return at
		}
		from = at + len(sub)
	}
	return -1
}

func labelledMarkers(text string, re *regexp.Regexp, labels string, excluded intervals) []choiceMarker {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	var out []choiceMarker
	want := 0
	for _, m := range matches {
		if want >= len(labels) {
			break
		}
		if excluded.contains(m[2]) || text[m[2]] != labels[want] {
			continue
		}
		out = append(out, choiceMarker{start: m[2], end: m[1]})
		want++
	}
	return out
}

// remainder returns text with the stripped intervals removed, each remaining
// piece trimmed and the non-empty pieces joined by newlines.
func remainder(text string, stripped intervals) string {
	var pieces []string
	pos := 0
	for _, r := range stripped.merged() {
		if r.start > pos {
			if p := strings.TrimSpace(text[pos:r.start]); p != "" {
				pieces = append(pieces, p)
			}
		}
		if r.end > pos {
			pos = r.end
		}
	}
	if pos < len(text) {
		if p := strings.TrimSpace(text[pos:]); p != "" {
			pieces = append(pieces, p)
		}
	}
	return strings.Join(pieces, "\n")
}
