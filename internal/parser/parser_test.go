package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

func pages(texts ...string) []models.Page {
	out := make([]models.Page, len(texts))
	for i, t := range texts {
		out[i] = models.Page{Index: i, Text: t, Method: models.MethodDirect}
	}
	return out
}

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	return NewParser(DefaultProfile(), logger.NewTestLogger())
}

func TestParseSingleLocalizedProblem(t *testing.T) {
	res := newTestParser(t).Parse("doc-1", pages("문제 1: 2+2는? ① 3 ② 4 ③ 5 ④ 6 정답: ②"))

	require.Len(t, res.Problems, 1)
	p := res.Problems[0]
	assert.Equal(t, FamilyLocalized, res.Family)
	assert.Equal(t, "doc-1", p.DocumentID)
	assert.Equal(t, 0, p.Ordinal)
	assert.Equal(t, 1, p.Number)
	assert.Equal(t, "2+2는?", p.Question)
	assert.Equal(t, models.TypeMultipleChoice, p.Type)
	assert.Equal(t, []models.Choice{
		{Index: 0, Text: "3"},
		{Index: 1, Text: "4"},
		{Index: 2, Text: "5"},
		{Index: 3, Text: "6"},
	}, p.Choices)
	require.NotNil(t, p.AnswerIndex)
	assert.Equal(t, 1, *p.AnswerIndex)
	assert.Empty(t, p.Explanation)
	assert.Equal(t, models.PageRange{First: 0, Last: 0}, p.Pages)
}

func TestAnswerGlyphsMapToIndices(t *testing.T) {
	families := map[string][]string{
		"circled": {"①", "②", "③", "④", "⑤"},
		"digit":   {"1", "2", "3", "4", "5"},
		"letter":  {"A", "B", "C", "D", "E"},
	}
	p := newTestParser(t)

	for name, glyphs := range families {
		for want, glyph := range glyphs {
			t.Run(fmt.Sprintf("%s/%s", name, glyph), func(t *testing.T) {
				text := fmt.Sprintf("문제 1. 다음 중 알맞은 것을 고르시오. ① 가 ② 나 ③ 다 ④ 라 ⑤ 마 정답: %s", glyph)
				res := p.Parse("doc", pages(text))

				require.Len(t, res.Problems, 1)
				require.NotNil(t, res.Problems[0].AnswerIndex)
				assert.Equal(t, want, *res.Problems[0].AnswerIndex)
				assert.Len(t, res.Problems[0].Choices, 5)
			})
		}
	}
}

func TestFirstAnswerMarkerWins(t *testing.T) {
	res := newTestParser(t).Parse("doc", pages("Q1. Pick one A) x B) y Answer: B 답: A"))

	require.Len(t, res.Problems, 1)
	require.NotNil(t, res.Problems[0].AnswerIndex)
	assert.Equal(t, 1, *res.Problems[0].AnswerIndex)
	assert.Equal(t, "Pick one", res.Problems[0].Question)
	assert.Equal(t, "y", res.Problems[0].Choices[1].Text)
}

func TestAnswerGlyphMustStandAlone(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *int
		explain string
	}{
		{name: "two digit number", text: "문제 1: 2+2는? ① 3 ② 4 ③ 5 ④ 6 정답: 12"},
		{name: "letter followed by word", text: "Q1. Pick one A) x B) y Answer: Bravo"},
		{name: "digit before punctuation", text: "문제 1: 2+2는? ① 3 ② 4 ③ 5 ④ 6 정답: 2, 해설: 둘에 둘", want: models.IntPtr(1), explain: "둘에 둘"},
		{name: "letter at end of text", text: "Q1. Pick one A) x B) y Answer: B", want: models.IntPtr(1)},
		{name: "circled before hangul", text: "문제 1: 2+2는? ① 3 ② 4 ③ 5 ④ 6 정답: ②해설: 넷", want: models.IntPtr(1), explain: "넷"},
	}
	p := newTestParser(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Parse("doc", pages(tt.text))
			require.Len(t, res.Problems, 1)
			prob := res.Problems[0]
			assert.Equal(t, tt.want, prob.AnswerIndex)
			assert.Equal(t, tt.explain, prob.Explanation)
			if tt.want != nil {
				assert.NotContains(t, prob.Question, "정답")
				assert.NotContains(t, prob.Question, "Answer")
			}
		})
	}

	m := extractAnswer("정답: 2, 다음")
	require.True(t, m.found)
	assert.Equal(t, intervals{{0, len("정답: 2")}}, m.spans)
}

func TestFamilyPriority(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		family string
		count  int
	}{
		{
			name:   "localized beats generic",
			text:   "문제 1. 첫 번째 질문입니다.\n1. 보기 설명\n2. 보기 설명\n문제 2. 두 번째 질문입니다.",
			family: FamilyLocalized,
			count:  2,
		},
		{
			name:   "english beats generic",
			text:   "Q1. What is one?\n1. note\n2. note\n3. note\nQ2. What is two?",
			family: FamilyEnglish,
			count:  2,
		},
		{
			name:   "generic when nothing else qualifies",
			text:   "1. 첫 번째 질문\n2. 두 번째 질문\n3. 세 번째 질문",
			family: FamilyGeneric,
			count:  3,
		},
		{
			name:   "two boundaries in a lower family beat one in a higher",
			text:   "문제 1. 유일한 지역 표기\nQ1. first\nQ2. second",
			family: FamilyEnglish,
			count:  2,
		},
	}

	p := newTestParser(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Parse("doc", pages(tt.text))
			assert.Equal(t, tt.family, res.Family)
			assert.Len(t, res.Problems, tt.count)
		})
	}
}

func TestNoBoundaries(t *testing.T) {
	log := logger.NewTestLogger()
	res := NewParser(nil, log).Parse("doc", pages("", "   "))

	assert.Empty(t, res.Problems)
	assert.Empty(t, res.Family)
	assert.True(t, log.Contains("WARN", "No problem boundaries found"))
}

func TestExplanationAndSubject(t *testing.T) {
	text := "문제 1. 다음 계산의 결과는 무엇인가? ① 1 ② 2 정답: ② 해설: 1+1은 2이므로 정답은 ②이다.\n" +
		"문제 2. 다음 중 물리 법칙이 아닌 것은? ① 관성 ② 작용 반작용 ③ 맞춤법 해설: 맞춤법은 어법이다. 정답: ③"
	res := newTestParser(t).Parse("doc", pages(text))

	require.Len(t, res.Problems, 2)

	first := res.Problems[0]
	assert.Equal(t, "다음 계산의 결과는 무엇인가?", first.Question)
	assert.Equal(t, "1+1은 2이므로 정답은 ②이다.", first.Explanation)
	assert.Equal(t, "수학", first.Subject)
	assert.Equal(t, "easy", first.Difficulty)
	assert.Equal(t, "2", first.Choices[1].Text)

	second := res.Problems[1]
	assert.Equal(t, "맞춤법은 어법이다.", second.Explanation)
	assert.Equal(t, "맞춤법", second.Choices[2].Text)
	require.NotNil(t, second.AnswerIndex)
	assert.Equal(t, 2, *second.AnswerIndex)
	assert.Equal(t, "과학", second.Subject)
}

func TestShortAnswerProblem(t *testing.T) {
	res := newTestParser(t).Parse("doc", pages("Q1. Name the capital of France.\nQ2. Name the capital of Korea."))

	require.Len(t, res.Problems, 2)
	assert.Equal(t, models.TypeShortAnswer, res.Problems[0].Type)
	assert.Empty(t, res.Problems[0].Choices)
	assert.Nil(t, res.Problems[0].AnswerIndex)
	assert.Equal(t, "Name the capital of France.", res.Problems[0].Question)
}

func TestDigitChoices(t *testing.T) {
	res := newTestParser(t).Parse("doc", pages("Q1. What is 2+2?\n1) 3\n2) 4\n3) 5\nAnswer: 2\nQ2. Next one 1) a 2) b"))

	require.Len(t, res.Problems, 2)
	p := res.Problems[0]
	assert.Equal(t, "What is 2+2?", p.Question)
	assert.Equal(t, []models.Choice{{Index: 0, Text: "3"}, {Index: 1, Text: "4"}, {Index: 2, Text: "5"}}, p.Choices)
	require.NotNil(t, p.AnswerIndex)
	assert.Equal(t, 1, *p.AnswerIndex)
}

func TestPageAttributionAcrossPages(t *testing.T) {
	res := newTestParser(t).Parse("doc", pages(
		"문제 1. 첫 페이지에서 시작하는 질문\n① 가 ② 나",
		"정답: ②\n문제 2. 둘째 페이지의 질문 ① 다 ② 라 정답: ①",
	))

	require.Len(t, res.Problems, 2)
	assert.Equal(t, models.PageRange{First: 0, Last: 1}, res.Problems[0].Pages)
	assert.Equal(t, models.PageRange{First: 1, Last: 1}, res.Problems[1].Pages)
	assert.Equal(t, "나", res.Problems[0].Choices[1].Text)
}

func TestHeaderFooterLinesDropped(t *testing.T) {
	res := newTestParser(t).Parse("doc", pages(
		"문제 1. 첫 번째 질문입니다\n- 1 -",
		"2 / 2\n문제 2. 두 번째 질문입니다",
	))

	require.Len(t, res.Problems, 2)
	assert.Equal(t, "첫 번째 질문입니다", res.Problems[0].Question)
	assert.NotContains(t, res.Stream.Text, "- 1 -")
	assert.NotContains(t, res.Stream.Text, "2 / 2")
}

func TestStreamNormalizesNFC(t *testing.T) {
	// the first syllable is written as three conjoining jamo
	decomposed := "\u1106\u116e\u11ab제 1. 질문"
	s := NewStream(pages(decomposed), nil)
	assert.Contains(t, s.Text, "문제 1.")
}

func TestStreamPageOf(t *testing.T) {
	s := NewStream(pages("abc", "", "de"), nil)

	assert.Equal(t, "abc\n\nde", s.Text)
	assert.Equal(t, 0, s.PageOf(0))
	assert.Equal(t, 0, s.PageOf(3))
	assert.Equal(t, 1, s.PageOf(4))
	assert.Equal(t, 2, s.PageOf(5))
	assert.Equal(t, 2, s.PageOf(6))
	assert.Equal(t, 3, s.PageCount())
}

func TestParseProfile(t *testing.T) {
	data := []byte(`
name: academy
min_boundaries: 1
header_footer_rules:
  - '^ACADEMY MOCK EXAM'
families:
  - name: bracketed
    pattern: '\[(\d+)\]'
`)
	profile, err := ParseProfile(data)
	require.NoError(t, err)
	assert.Equal(t, "academy", profile.Name)
	assert.True(t, profile.DropLine("ACADEMY MOCK EXAM 2024"))
	assert.False(t, profile.DropLine("- 1 -"))

	res := NewParser(profile, logger.NewTestLogger()).Parse("doc", pages("ACADEMY MOCK EXAM\n[1] first question\n[2] second question"))
	assert.Equal(t, "bracketed", res.Family)
	require.Len(t, res.Problems, 2)
	assert.Equal(t, "first question", res.Problems[0].Question)
}

func TestLoadProfileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadProfile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("families:\n  - name: x\n    pattern: 'no-group'\n"), 0o644))
	_, err = LoadProfile(bad)
	assert.ErrorContains(t, err, "capture group")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("header_footer_rules: ['(']\n"), 0o644))
	_, err = LoadProfile(invalid)
	assert.Error(t, err)
}

func TestDetectDifficulty(t *testing.T) {
	assert.Equal(t, "easy", DetectDifficulty("짧은 질문"))
	assert.Equal(t, "medium", DetectDifficulty(string(make([]rune, 150))))
	assert.Equal(t, "hard", DetectDifficulty(string(make([]rune, 201))))
}
