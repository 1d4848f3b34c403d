package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer treats every whitespace-delimited word as one token. It keeps
// the chunker tests independent of the tiktoken vocabulary files.
type wordTokenizer struct {
	ids   map[string]int
	words []string
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{ids: make(map[string]int)}
}

func (t *wordTokenizer) Encode(text string) []int {
	fields := strings.Fields(text)
	out := make([]int, 0, len(fields))
	for _, w := range fields {
		id, ok := t.ids[w]
		if !ok {
			id = len(t.words)
			t.ids[w] = id
			t.words = append(t.words, w)
		}
		out = append(out, id)
	}
	return out
}

func (t *wordTokenizer) Decode(tokens []int) string {
	words := make([]string, 0, len(tokens))
	for _, id := range tokens {
		words = append(words, t.words[id])
	}
	return strings.Join(words, " ")
}

func (t *wordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

func words(n int, prefix string) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(out, " ")
}

func TestChunker_SmallTextSinglePiece(t *testing.T) {
	c := New(newWordTokenizer(), Config{MaxTokens: 50})

	pieces := c.Split("  a handful of words  ")

	require.Len(t, pieces, 1)
	assert.Equal(t, "a handful of words", pieces[0].Text)
	assert.Equal(t, 4, pieces[0].Tokens)
}

func TestChunker_EmptyTextReturnsNil(t *testing.T) {
	c := New(newWordTokenizer(), Config{MaxTokens: 50})

	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n\n  "))
}

func TestChunker_SplitsAtParagraphBoundaries(t *testing.T) {
	para1 := words(8, "alpha")
	para2 := words(8, "beta")
	para3 := words(8, "gamma")
	text := para1 + "\n\n" + para2 + "\n\n" + para3

	c := New(newWordTokenizer(), Config{MaxTokens: 10})
	pieces := c.Split(text)

	require.Len(t, pieces, 3)
	assert.Equal(t, para1, pieces[0].Text)
	assert.Equal(t, para2, pieces[1].Text)
	assert.Equal(t, para3, pieces[2].Text)
}

func TestChunker_PacksSmallParagraphsTogether(t *testing.T) {
	text := words(3, "a") + "\n\n" + words(3, "b") + "\n\n" + words(3, "c") + "\n\n" + words(3, "d")

	c := New(newWordTokenizer(), Config{MaxTokens: 7})
	pieces := c.Split(text)

	require.Len(t, pieces, 2)
	for _, p := range pieces {
		assert.LessOrEqual(t, p.Tokens, 7)
	}
}

func TestChunker_FallsBackToSentences(t *testing.T) {
	sentences := []string{
		words(6, "one") + ".",
		words(6, "two") + ".",
		words(6, "three") + ".",
	}
	// A single paragraph over budget made of sentences under budget.
	text := strings.Join(sentences, " ")

	c := New(newWordTokenizer(), Config{MaxTokens: 8})
	pieces := c.Split(text)

	require.Len(t, pieces, 3)
	for i, p := range pieces {
		assert.Equal(t, sentences[i], p.Text)
	}
}

func TestChunker_HardCutRespectsBudgetAndOverlap(t *testing.T) {
	// 25 words, no boundaries at all.
	text := words(25, "w")

	c := New(newWordTokenizer(), Config{MaxTokens: 10, Overlap: 2})
	pieces := c.Split(text)

	require.Len(t, pieces, 3)
	for _, p := range pieces {
		assert.LessOrEqual(t, p.Tokens, 10)
	}
	// Consecutive windows share the overlap suffix/prefix.
	first := strings.Fields(pieces[0].Text)
	second := strings.Fields(pieces[1].Text)
	assert.Equal(t, first[len(first)-2:], second[:2])
}

// runeTokenizer treats every rune as one token, so whitespace carries token
// weight and trimming a decoded window changes its count.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	rs := []rune(text)
	out := make([]int, len(rs))
	for i, r := range rs {
		out[i] = int(r)
	}
	return out
}

func (runeTokenizer) Decode(tokens []int) string {
	rs := make([]rune, len(tokens))
	for i, id := range tokens {
		rs[i] = rune(id)
	}
	return string(rs)
}

func (runeTokenizer) Count(text string) int {
	return len([]rune(text))
}

func TestChunker_HardCutTokensMeasureTrimmedText(t *testing.T) {
	// 60 runes with no sentence or paragraph boundaries; each 10-rune
	// window ends on the space after "abcd abcd", which trims away.
	text := strings.Repeat("abcd ", 12)

	tok := runeTokenizer{}
	c := New(tok, Config{MaxTokens: 10, Overlap: 0})
	pieces := c.Split(text)

	require.NotEmpty(t, pieces)
	for _, p := range pieces {
		assert.Equal(t, tok.Count(p.Text), p.Tokens)
	}
	assert.Equal(t, "abcd abcd", pieces[0].Text)
	assert.Equal(t, 9, pieces[0].Tokens)
}

func TestChunker_Deterministic(t *testing.T) {
	text := words(40, "x") + "\n\n" + words(15, "y") + ". " + words(120, "z")

	a := New(newWordTokenizer(), Config{MaxTokens: 20, Overlap: 4}).Split(text)
	b := New(newWordTokenizer(), Config{MaxTokens: 20, Overlap: 4}).Split(text)

	assert.Equal(t, a, b)
}

func TestChunker_ReconstructionWithoutOverlap(t *testing.T) {
	text := words(30, "p") + "\n\n" + words(9, "q") + ". " + words(9, "r") + ".\n\n" + words(45, "s")

	c := New(newWordTokenizer(), Config{MaxTokens: 12, Overlap: 0})
	pieces := c.Split(text)

	var joined []string
	for _, p := range pieces {
		assert.LessOrEqual(t, p.Tokens, 12)
		joined = append(joined, strings.Fields(p.Text)...)
	}
	// Concatenation reconstructs the input modulo whitespace normalization.
	assert.Equal(t, strings.Fields(text), joined)
}

func TestChunker_OverlapClampedBelowBudget(t *testing.T) {
	c := New(newWordTokenizer(), Config{MaxTokens: 8, Overlap: 8})

	pieces := c.Split(words(30, "m"))

	for _, p := range pieces {
		assert.LessOrEqual(t, p.Tokens, 8)
	}
	require.NotEmpty(t, pieces)
}

func TestSplitSentences_PreservesConcatenation(t *testing.T) {
	text := "First sentence. Second one! Third? Trailing fragment"

	parts := splitSentences(text)

	assert.Equal(t, text, strings.Join(parts, ""))
	assert.Len(t, parts, 4)
}

func TestSplitAfter_PreservesConcatenation(t *testing.T) {
	text := "a\n\nb\n\n\n\nc"

	parts := splitAfter(text, "\n\n")

	assert.Equal(t, text, strings.Join(parts, ""))
	assert.Len(t, parts, 3)
}
