package diff_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/madoguchi/internal/diff"
	"github.com/ashita-ai/madoguchi/internal/model"
)

func TestCategorizeIdenticalIsUnchanged(t *testing.T) {
	for _, text := range []string{
		"Refund processed.",
		"<p>Hi Sam,</p><p>Your order shipped.</p>",
		"   ",
		"a b a b",
	} {
		r := diff.Categorize(text, text)
		assert.Equal(t, model.SignalUnchanged, r.Category, "text %q", text)
		assert.Equal(t, 1.0, r.Similarity, "text %q", text)
	}
}

func TestCategorizeNoDraft(t *testing.T) {
	r := diff.Categorize("", "anything at all")
	assert.Equal(t, diff.Result{Category: model.SignalNoDraft, Similarity: 0}, r)

	r = diff.Categorize("", "")
	assert.Equal(t, model.SignalNoDraft, r.Category, "no draft wins regardless of the sent text")
}

func TestCategorizeCaseAndWhitespaceInsensitive(t *testing.T) {
	r := diff.Categorize("Hello, thanks for reaching out!", "hello,   THANKS for reaching out!")
	assert.Equal(t, model.SignalUnchanged, r.Category)
	assert.GreaterOrEqual(t, r.Similarity, 0.95)
}

func TestCategorizeUnrelatedLongReplyIsMajorRewrite(t *testing.T) {
	var b strings.Builder
	for i := range 320 {
		b.WriteString("word")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteString(string(rune('a' + i%26)))
		b.WriteByte(' ')
	}
	r := diff.Categorize("Refund processed.", b.String())
	assert.Equal(t, model.SignalMajorRewrite, r.Category)
	assert.Less(t, r.Similarity, 0.70)
}

func TestCategorizeMinorEdit(t *testing.T) {
	draft := "thanks for writing in we have issued a full refund to your original payment method today"
	sent := "thanks for writing in we have issued a full refund to your card today"
	r := diff.Categorize(draft, sent)
	assert.Equal(t, model.SignalMinorEdit, r.Category)
	assert.GreaterOrEqual(t, r.Similarity, 0.70)
	assert.Less(t, r.Similarity, 0.95)
}

func TestCategorizeDraftEmptyAfterNormalization(t *testing.T) {
	r := diff.Categorize("<p></p>", "We refunded you.")
	assert.Equal(t, model.SignalMajorRewrite, r.Category, "a supplied draft that normalizes to nothing shares no words")
	assert.Equal(t, 0.0, r.Similarity)
}

func TestSimilarityIgnoresWordOrder(t *testing.T) {
	assert.Equal(t, 1.0, diff.Similarity("refund your order", "order your refund"))
}

func TestSimilarityJaccard(t *testing.T) {
	// {a b c} vs {b c d}: 2 shared of 4 distinct.
	assert.InDelta(t, 0.5, diff.Similarity("a b c", "b c d"), 1e-9)
	assert.Equal(t, 0.0, diff.Similarity("", "hello"))
	assert.Equal(t, 0.0, diff.Similarity("hello", "  "))
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"<p>Hello</p><p>World</p>":                     "hello world",
		"Fish &amp; Chips&nbsp;today":                  "fish chips today",
		"Tom &amp; Jerry":                              "tom jerry",
		"Price: $5 - 10% off!":                         "price: $5 10% off!",
		"  Multiple\n\tspaces  ":                       "multiple spaces",
		"<div>Hi<br/>there</div>":                      "hi there",
		"<style>p{color:red}</style><p>Visible</p>":    "visible",
		"<b>Bold</b> and <i>italic</i>":                "bold and italic",
		"a < b and c > d":                              "a b and c d",
		"<a href=\"https://example.com\">Link</a> end": "link end",
	}
	for in, want := range cases {
		assert.Equal(t, want, diff.Normalize(in), "input %q", in)
	}
}

func TestCategorizeIgnoresEntityPunctuation(t *testing.T) {
	r := diff.Categorize("Tom &amp; Jerry", "Tom and Jerry")
	assert.InDelta(t, 2.0/3.0, r.Similarity, 1e-9, "the decoded ampersand is not a shared word")
}

func TestCategoryOrderingIsMonotonic(t *testing.T) {
	rank := map[model.SignalCategory]int{
		model.SignalMajorRewrite: 0,
		model.SignalMinorEdit:    1,
		model.SignalUnchanged:    2,
	}
	draft := "one two three four five six seven eight nine ten"
	words := strings.Fields(draft)
	prev := -1
	// Replacing fewer words never yields a worse category.
	for keep := 0; keep <= len(words); keep++ {
		sent := strings.Join(words[:keep], " ") + " " + strings.Repeat("zz ", len(words)-keep)
		r := diff.Categorize(draft, sent)
		assert.GreaterOrEqual(t, rank[r.Category], prev, "keep=%d", keep)
		prev = rank[r.Category]
	}
}
