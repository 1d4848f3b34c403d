package chunk

import (
	"strings"
)

// Config controls chunking of extracted text.
type Config struct {
	// MaxTokens is the token budget per chunk.
	MaxTokens int
	// Overlap is the sliding token overlap applied when a run of text has no
	// usable boundary and must be cut in token space.
	Overlap int
}

// DefaultConfig provides sane defaults for chunking.
func DefaultConfig() Config {
	return Config{
		MaxTokens: 200,
		Overlap:   20,
	}
}

// Piece is a single chunk of text with its measured token count.
type Piece struct {
	Text   string
	Tokens int
}

// Chunker splits text into token-bounded, order-preserving pieces. Splitting
// prefers paragraph boundaries, then sentence boundaries, and only cuts in
// token space as a last resort. Identical text and configuration always
// produce an identical piece sequence, which is what makes content-hash
// idempotence meaningful at the chunk level.
type Chunker struct {
	tok Tokenizer
	cfg Config
}

func New(tok Tokenizer, cfg Config) *Chunker {
	if cfg.MaxTokens <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.MaxTokens {
		cfg.Overlap = cfg.MaxTokens / 4
	}
	return &Chunker{tok: tok, cfg: cfg}
}

// Split returns the ordered chunk sequence for text. Concatenating the
// pieces reconstructs the input modulo boundary whitespace trimming.
func (c *Chunker) Split(text string) []Piece {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if n := c.tok.Count(strings.TrimSpace(text)); n <= c.cfg.MaxTokens {
		return []Piece{{Text: strings.TrimSpace(text), Tokens: n}}
	}

	var pieces []Piece
	var acc strings.Builder

	flush := func() {
		trimmed := strings.TrimSpace(acc.String())
		acc.Reset()
		if trimmed == "" {
			return
		}
		pieces = append(pieces, Piece{Text: trimmed, Tokens: c.tok.Count(trimmed)})
	}

	for _, seg := range c.segments(text) {
		if seg.hard {
			// Token-space cuts are emitted as-is; packing them with
			// neighbors would re-exceed the budget.
			flush()
			pieces = append(pieces, c.hardCut(seg.text)...)
			continue
		}

		candidate := strings.TrimSpace(acc.String() + seg.text)
		if acc.Len() > 0 && c.tok.Count(candidate) > c.cfg.MaxTokens {
			flush()
		}
		acc.WriteString(seg.text)
	}
	flush()

	return pieces
}

// segment is a run of raw text. Segments concatenate back to the original
// input; hard marks a run that exceeds the budget even after sentence
// splitting.
type segment struct {
	text string
	hard bool
}

// segments splits text into budget-sized runs at paragraph boundaries,
// refining oversized paragraphs at sentence boundaries.
func (c *Chunker) segments(text string) []segment {
	var out []segment
	for _, para := range splitAfter(text, "\n\n") {
		if c.fits(para) {
			out = append(out, segment{text: para})
			continue
		}
		for _, sentence := range splitSentences(para) {
			if c.fits(sentence) {
				out = append(out, segment{text: sentence})
			} else {
				out = append(out, segment{text: sentence, hard: true})
			}
		}
	}
	return out
}

func (c *Chunker) fits(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return true
	}
	return c.tok.Count(trimmed) <= c.cfg.MaxTokens
}

// hardCut slices an oversized run in token space with a sliding overlap.
func (c *Chunker) hardCut(raw string) []Piece {
	tokens := c.tok.Encode(raw)
	step := c.cfg.MaxTokens - c.cfg.Overlap

	var out []Piece
	for start := 0; start < len(tokens); start += step {
		end := start + c.cfg.MaxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		text := strings.TrimSpace(c.tok.Decode(tokens[start:end]))
		if text != "" {
			out = append(out, Piece{Text: text, Tokens: c.tok.Count(text)})
		}
		if end == len(tokens) {
			break
		}
	}
	return out
}

// splitAfter splits text into runs, each ending just after a separator run,
// so the concatenation of the parts equals the input byte-for-byte.
func splitAfter(text, sep string) []string {
	var out []string
	for {
		i := strings.Index(text, sep)
		if i < 0 {
			if text != "" {
				out = append(out, text)
			}
			return out
		}
		end := i + len(sep)
		// Absorb any further separator repetitions into the same run.
		for strings.HasPrefix(text[end:], sep) {
			end += len(sep)
		}
		out = append(out, text[:end])
		text = text[end:]
	}
}

// splitSentences splits a paragraph after sentence-ending punctuation
// followed by whitespace. Concatenation of the parts equals the input.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			if text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				out = append(out, text[start:i+2])
				start = i + 2
				i++
			}
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
