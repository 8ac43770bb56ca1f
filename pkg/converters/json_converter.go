package converters

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/exam-importer/internal/models"
)

// ProblemSet is the exported result of one finished import.
type ProblemSet struct {
	JobID      string                    `json:"jobId"`
	Status     string                    `json:"status"`
	Document   DocumentMetadata          `json:"document"`
	Summary    Summary                   `json:"summary"`
	Pages      []PageSummary             `json:"pages"`
	Problems   []models.CandidateProblem `json:"problems"`
	ExportedAt time.Time                 `json:"exportedAt"`
}

// DocumentMetadata describes the source document.
type DocumentMetadata struct {
	ID             string `json:"id"`
	FileName       string `json:"fileName"`
	Hash           string `json:"hash"`
	FileSize       int64  `json:"fileSize"`
	PageCount      int    `json:"pageCount"`
	Classification string `json:"classification"`
	Language       string `json:"language,omitempty"`
	Title          string `json:"title,omitempty"`
	Author         string `json:"author,omitempty"`
}

type Summary struct {
	Family      string  `json:"family,omitempty"`
	Expected    int     `json:"expected"`
	Extracted   int     `json:"extracted"`
	Accepted    int     `json:"accepted"`
	NeedsReview int     `json:"needsReview"`
	Attention   int     `json:"attentionPages"`
	Confidence  float64 `json:"meanConfidence"`
}

// PageSummary is a page without its text.
type PageSummary struct {
	Index      int     `json:"index"`
	Method     string  `json:"method"`
	Engine     string  `json:"engine,omitempty"`
	Confidence float64 `json:"confidence"`
	Attention  bool    `json:"attention,omitempty"`
	Characters int     `json:"characters"`
}

// Input is everything a finished run hands to the converter.
type Input struct {
	JobID    string
	Document models.Document
	Pages    []models.Page
	Problems []models.CandidateProblem
	Family   string
	Expected int
	Counts   models.JobCounts
}

// JSONConverter builds ProblemSets.
type JSONConverter struct {
	now func() time.Time
}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{now: time.Now}
}

func (c *JSONConverter) Convert(in Input) (*ProblemSet, error) {
	if in.JobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	set := &ProblemSet{
		JobID:  in.JobID,
		Status: string(models.JobDone),
		Document: DocumentMetadata{
			ID:             in.Document.ID,
			FileName:       in.Document.Filename,
			Hash:           in.Document.Hash,
			FileSize:       in.Document.Size,
			PageCount:      in.Document.PageCount,
			Classification: string(in.Document.Classification),
			Language:       in.Document.LanguageHint,
			Title:          in.Document.Title,
			Author:         in.Document.Author,
		},
		Summary: Summary{
			Family:      in.Family,
			Expected:    in.Expected,
			Extracted:   in.Counts.Extracted,
			Accepted:    in.Counts.Accepted,
			NeedsReview: in.Counts.NeedsReview,
			Attention:   in.Counts.Attention,
		},
		Pages:      make([]PageSummary, 0, len(in.Pages)),
		Problems:   in.Problems,
		ExportedAt: c.now().UTC(),
	}
	if set.Problems == nil {
		set.Problems = []models.CandidateProblem{}
	}

	var total float64
	for _, p := range in.Problems {
		total += p.Confidence
	}
	if len(in.Problems) > 0 {
		set.Summary.Confidence = total / float64(len(in.Problems))
	}

	for _, pg := range in.Pages {
		set.Pages = append(set.Pages, PageSummary{
			Index:      pg.Index,
			Method:     string(pg.Method),
			Engine:     pg.Engine,
			Confidence: pg.Confidence,
			Attention:  pg.Attention,
			Characters: len([]rune(pg.Text)),
		})
	}
	return set, nil
}

// Encode writes the set as indented JSON.
func Encode(w io.Writer, set *ProblemSet) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}

// Decode reads a set written by Encode.
func Decode(r io.Reader) (*ProblemSet, error) {
	var set ProblemSet
	if err := json.NewDecoder(r).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode problem set: %w", err)
	}
	return &set, nil
}

// ReviewQueue returns the problems still awaiting a reviewer.
func (s *ProblemSet) ReviewQueue() []models.CandidateProblem {
	out := []models.CandidateProblem{}
	for _, p := range s.Problems {
		if p.Status == models.StatusNeedsReview {
			out = append(out, p)
		}
	}
	return out
}
