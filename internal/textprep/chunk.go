package textprep

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkSize is the per-request input limit of the speech service, in runes.
const DefaultMaxChunkSize = 3500

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// Chunk splits normalized text into pieces of at most maxSize runes.
//
// Boundaries are chosen at paragraphs first, then sentences, then words. Text is
// never split inside a word: a single word longer than maxSize becomes its own
// oversized chunk. Whitespace between pieces is not preserved exactly.
func Chunk(text string, maxSize int) []string {
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}
	c := &chunker{max: maxSize}
	for _, p := range paragraphBreak.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		c.addParagraph(p)
	}
	c.flush()
	return c.chunks
}

type chunker struct {
	max     int
	chunks  []string
	current strings.Builder
	size    int
}

func (c *chunker) addParagraph(p string) {
	if utf8.RuneCountInString(p) <= c.max {
		c.append(p, "\n\n")
		return
	}
	c.flush()
	for _, sentence := range splitSentences(p) {
		if utf8.RuneCountInString(sentence) > c.max {
			c.flush()
			c.addWords(sentence)
			continue
		}
		c.append(sentence, " ")
	}
}

func (c *chunker) addWords(sentence string) {
	for _, word := range strings.Fields(sentence) {
		if utf8.RuneCountInString(word) > c.max {
			c.flush()
			c.chunks = append(c.chunks, word)
			continue
		}
		c.append(word, " ")
	}
}

// append adds piece to the running chunk, flushing first when it would overflow.
func (c *chunker) append(piece, sep string) {
	n := utf8.RuneCountInString(piece)
	if c.size > 0 && c.size+len(sep)+n > c.max {
		c.flush()
	}
	if c.size > 0 {
		c.current.WriteString(sep)
		c.size += len(sep)
	}
	c.current.WriteString(piece)
	c.size += n
}

func (c *chunker) flush() {
	if c.size == 0 {
		return
	}
	c.chunks = append(c.chunks, c.current.String())
	c.current.Reset()
	c.size = 0
}

// splitSentences breaks text after '.', '!' or '?' when followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i + utf8.RuneLen(r)
		next, _ := utf8.DecodeRuneInString(text[end:])
		if end >= len(text) || !unicode.IsSpace(next) {
			continue
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			sentences = append(sentences, s)
		}
		start = end
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
