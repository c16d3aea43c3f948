package course

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loqalabs/lectern/internal/content"
)

var (
	numberedLine = regexp.MustCompile(`(?i)^(?:chapter\s+)?\d+\s*[.):-]\s*(.+)$`)
	bulletLine   = regexp.MustCompile(`^[-*•]\s+(.+)$`)
	titlePrefix  = regexp.MustCompile(`(?i)^(?:course\s+|book\s+)?title\s*:\s*`)
)

// ParseOutline reads a title and chapter titles from model output. It accepts
// a JSON object {title, chapters}, a JSON array of titles, or plain text with
// numbered or bulleted lines.
func ParseOutline(text string) (string, []string) {
	text = stripFences(text)
	if title, chapters, ok := outlineFromJSON(text); ok {
		return title, chapters
	}

	var (
		title    string
		chapters []string
		lines    []string
	)
	for _, line := range strings.Split(text, "\n") {
		line = cleanLine(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			chapters = append(chapters, cleanLine(m[1]))
			continue
		}
		if m := bulletLine.FindStringSubmatch(line); m != nil {
			chapters = append(chapters, cleanLine(m[1]))
			continue
		}
		if title == "" && len(chapters) == 0 {
			title = titlePrefix.ReplaceAllString(line, "")
		}
	}
	if len(chapters) == 0 {
		return "", lines
	}
	return title, chapters
}

func outlineFromJSON(text string) (string, []string, bool) {
	if obj := between(text, '{', '}'); obj != "" {
		var outline struct {
			Title    string `json:"title"`
			Chapters []any  `json:"chapters"`
		}
		if err := json.Unmarshal([]byte(obj), &outline); err == nil && len(outline.Chapters) > 0 {
			return strings.TrimSpace(outline.Title), titlesOf(outline.Chapters), true
		}
	}
	if arr := between(text, '[', ']'); arr != "" {
		var items []any
		if err := json.Unmarshal([]byte(arr), &items); err == nil && len(items) > 0 {
			return "", titlesOf(items), true
		}
	}
	return "", nil, false
}

func titlesOf(items []any) []string {
	var titles []string
	for _, item := range items {
		var t string
		switch v := item.(type) {
		case string:
			t = v
		case map[string]any:
			t, _ = v["title"].(string)
		}
		if t = cleanLine(t); t != "" {
			titles = append(titles, t)
		}
	}
	return titles
}

// ParseQuiz reads a JSON array of questions. Questions with fewer than two
// options or an answer outside the options are dropped.
func ParseQuiz(text string) ([]content.QuizQuestion, error) {
	arr := between(stripFences(text), '[', ']')
	if arr == "" {
		return nil, errors.New("quiz is not a JSON array")
	}
	var raw []struct {
		Question    string          `json:"question"`
		Options     []string        `json:"options"`
		Answer      json.RawMessage `json:"answer"`
		Explanation string          `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(arr), &raw); err != nil {
		return nil, fmt.Errorf("decode quiz: %w", err)
	}
	var quiz []content.QuizQuestion
	for _, q := range raw {
		if strings.TrimSpace(q.Question) == "" || len(q.Options) < 2 {
			continue
		}
		answer, ok := answerIndex(q.Answer, q.Options)
		if !ok {
			continue
		}
		quiz = append(quiz, content.QuizQuestion{
			Question:    strings.TrimSpace(q.Question),
			Options:     q.Options,
			Answer:      answer,
			Explanation: strings.TrimSpace(q.Explanation),
		})
	}
	if len(quiz) == 0 {
		return nil, errors.New("quiz has no usable questions")
	}
	return quiz, nil
}

// answerIndex accepts a zero-based index, an option letter or the option text.
func answerIndex(raw json.RawMessage, options []string) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, n >= 0 && n < len(options)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if len(s) == 1 {
		if i := int(strings.ToUpper(s)[0] - 'A'); i >= 0 && i < len(options) {
			return i, true
		}
	}
	if i, err := strconv.Atoi(s); err == nil && i >= 0 && i < len(options) {
		return i, true
	}
	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt), s) {
			return i, true
		}
	}
	return 0, false
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}

// between returns the text from the first open to the last close byte.
func between(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func cleanLine(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "# ")
	line = strings.ReplaceAll(line, "**", "")
	return strings.TrimSpace(line)
}
