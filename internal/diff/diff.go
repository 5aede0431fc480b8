// Package diff compares a proposed draft with what a human actually sent.
//
// Both texts are normalized (HTML tags and entities stripped, whitespace
// collapsed, lowercased) and compared by Jaccard index over their word sets.
// Word order and formatting noise do not move the score.
package diff

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"

	"github.com/ashita-ai/madoguchi/internal/model"
)

// Category thresholds on similarity.
const (
	UnchangedThreshold = 0.95
	MinorEditThreshold = 0.70
)

// Result is the outcome of comparing a draft with a sent message.
type Result struct {
	Category   model.SignalCategory `json:"category"`
	Similarity float64              `json:"similarity"`
}

// Categorize compares draft with sent. An empty draft means no draft was
// proposed and always yields no_draft with similarity 0.
func Categorize(draft, sent string) Result {
	if draft == "" {
		return Result{Category: model.SignalNoDraft, Similarity: 0}
	}
	sim := Similarity(draft, sent)
	switch {
	case sim >= UnchangedThreshold:
		return Result{Category: model.SignalUnchanged, Similarity: sim}
	case sim >= MinorEditThreshold:
		return Result{Category: model.SignalMinorEdit, Similarity: sim}
	default:
		return Result{Category: model.SignalMajorRewrite, Similarity: sim}
	}
}

// Similarity returns the Jaccard index of the normalized word sets of a and b.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}

	wa := wordSet(na)
	wb := wordSet(nb)
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

// Normalize strips markup and entities, collapses whitespace and lowercases.
// Tokens without a letter or digit, such as a decoded "&amp;", are dropped.
func Normalize(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0 // depth inside script/style
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.ToLower(strings.Join(words(b.String()), " "))
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawText(name) {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawText(name) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}

func words(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		if strings.IndexFunc(f, isWordRune) >= 0 {
			out = append(out, f)
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isRawText(tag []byte) bool {
	t := string(tag)
	return t == "script" || t == "style"
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(s)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
