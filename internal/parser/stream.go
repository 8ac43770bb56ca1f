package parser

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/feichai0017/exam-importer/internal/models"
)

// Stream is the ordered concatenation of a document's page texts. Pages are
// separated by a single newline and starts records the byte offset where
// each page begins, so any offset can be attributed back to its page.
type Stream struct {
	Text    string
	starts  []int
	indices []int
}

// NewStream normalizes every page to NFC, drops lines matched by drop and
// joins the pages in order.
func NewStream(pages []models.Page, drop func(line string) bool) *Stream {
	s := &Stream{
		starts:  make([]int, 0, len(pages)),
		indices: make([]int, 0, len(pages)),
	}

	var b strings.Builder
	for i, page := range pages {
		if i > 0 {
			b.WriteByte('\n')
		}
		s.starts = append(s.starts, b.Len())
		s.indices = append(s.indices, page.Index)
		b.WriteString(cleanPage(page.Text, drop))
	}
	s.Text = b.String()
	return s
}

func cleanPage(text string, drop func(string) bool) string {
	text = norm.NFC.String(strings.ReplaceAll(text, "\r\n", "\n"))
	if drop == nil {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if drop(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// PageOf returns the page index containing byte offset off.
func (s *Stream) PageOf(off int) int {
	if len(s.starts) == 0 {
		return 0
	}
	i := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] > off }) - 1
	if i < 0 {
		i = 0
	}
	return s.indices[i]
}

// PageRange attributes the half-open span [start, end) to its pages.
func (s *Stream) PageRange(start, end int) models.PageRange {
	last := end - 1
	if last < start {
		last = start
	}
	return models.PageRange{First: s.PageOf(start), Last: s.PageOf(last)}
}

func (s *Stream) PageCount() int { return len(s.starts) }
