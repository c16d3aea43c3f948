package textprep

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
)

// ErrUnrecognizedContent is returned when chapter content has none of the supported shapes.
var ErrUnrecognizedContent = errors.New("unrecognized chapter content shape")

// Section is one titled block of narration input.
type Section struct {
	Title string
	Body  string
}

// Options tunes normalization.
type Options struct {
	// Markdown renders bodies as markdown before markup is stripped.
	Markdown bool
}

var (
	horizontalSpace = regexp.MustCompile(`[^\S\n]+`)
	newlineRun      = regexp.MustCompile(` ?\n\s*`)
	trailingDigits  = regexp.MustCompile(`(\d+)\s*$`)
)

var blockTags = map[string]struct{}{
	"p": {}, "br": {}, "div": {}, "li": {}, "ul": {}, "ol": {}, "tr": {}, "table": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"blockquote": {}, "pre": {}, "section": {}, "article": {}, "hr": {},
}

// Normalize converts decoded JSON chapter content into plain narration text.
//
// Accepted shapes: a string; a list of chapter objects ({title, content}) or strings;
// a map whose keys containing "chapter" or "section" are chapters; a single
// chapter object with a content or title field.
func Normalize(content any, opts Options) (string, error) {
	sections, err := Sections(content)
	if err != nil {
		return "", err
	}
	return NormalizeSections(sections, opts), nil
}

// NormalizeSections renders sections as "title\n\nbody" blocks separated by a blank line.
func NormalizeSections(sections []Section, opts Options) string {
	var parts []string
	for _, s := range sections {
		title := CleanText(s.Title, Options{})
		body := CleanText(s.Body, opts)
		switch {
		case title != "" && body != "":
			parts = append(parts, title+"\n\n"+body)
		case title != "":
			parts = append(parts, title)
		case body != "":
			parts = append(parts, body)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Sections maps the supported content shapes onto ordered sections.
func Sections(content any) ([]Section, error) {
	switch v := content.(type) {
	case string:
		return []Section{{Body: v}}, nil
	case []Section:
		return v, nil
	case []any:
		sections := make([]Section, 0, len(v))
		for _, item := range v {
			sections = append(sections, sectionOf(item))
		}
		return sections, nil
	case []map[string]any:
		sections := make([]Section, 0, len(v))
		for _, item := range v {
			sections = append(sections, sectionOf(item))
		}
		return sections, nil
	case map[string]any:
		return sectionsFromMap(v)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[k] = val
		}
		return sectionsFromMap(m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnrecognizedContent, content)
	}
}

func sectionsFromMap(m map[string]any) ([]Section, error) {
	var keys []string
	for k := range m {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "chapter") || strings.Contains(lower, "section") {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.SliceStable(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
		sections := make([]Section, 0, len(keys))
		for _, k := range keys {
			sections = append(sections, sectionOf(m[k]))
		}
		return sections, nil
	}
	_, hasContent := m["content"]
	_, hasTitle := m["title"]
	if hasContent || hasTitle {
		return []Section{sectionOf(m)}, nil
	}
	return nil, fmt.Errorf("%w: object without chapter keys", ErrUnrecognizedContent)
}

func sectionOf(v any) Section {
	switch item := v.(type) {
	case string:
		return Section{Body: item}
	case map[string]any:
		title, _ := item["title"].(string)
		return Section{Title: title, Body: bodyOf(item["content"])}
	default:
		return Section{}
	}
}

func bodyOf(v any) string {
	switch body := v.(type) {
	case string:
		return body
	case map[string]any:
		return bodyOf(body["content"])
	case []any:
		var parts []string
		for _, p := range body {
			if s := bodyOf(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n\n")
	default:
		return ""
	}
}

// lessKey orders chapter keys by their trailing number, then lexically.
func lessKey(a, b string) bool {
	na, okA := keyNumber(a)
	nb, okB := keyNumber(b)
	if okA && okB && na != nb {
		return na < nb
	}
	if okA != okB {
		return okA
	}
	return a < b
}

func keyNumber(key string) (int, bool) {
	m := trailingDigits.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// CleanText strips markup and collapses whitespace, keeping single line breaks.
func CleanText(s string, opts Options) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	if opts.Markdown {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(s), &buf); err == nil {
			s = buf.String()
		}
	}
	s = stripMarkup(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = horizontalSpace.ReplaceAllString(s, " ")
	s = newlineRun.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

func stripMarkup(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input; keep what was read.
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
				continue
			}
			if _, ok := blockTags[tag]; ok {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
				continue
			}
			if _, ok := blockTags[tag]; ok {
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if _, ok := blockTags[string(name)]; ok {
				b.WriteByte('\n')
			}
		}
	}
}
