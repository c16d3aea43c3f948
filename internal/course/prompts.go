package course

import (
	"fmt"
	"strings"
)

const (
	systemOutline = "You design well structured educational material. Answer with JSON only."
	systemChapter = "You are an expert author. Write clear, engaging chapter text in Markdown. Do not repeat the chapter title as a heading."
	systemSummary = "You write concise summaries in plain prose."
	systemQuiz    = "You write multiple choice quizzes. Answer with JSON only."
)

func outlinePrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create the outline of a %s about %q with exactly %d chapters.\n", req.Type, req.Topic, req.Chapters)
	if req.Audience != "" {
		fmt.Fprintf(&b, "The audience is %s.\n", req.Audience)
	}
	b.WriteString(`Respond with {"title": "...", "chapters": ["chapter title", ...]}.`)
	return b.String()
}

func chapterPrompt(req Request, title string, titles []string, index int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write chapter %d, %q, of the %s %q.\n", index+1, titles[index], req.Type, title)
	if req.Audience != "" {
		fmt.Fprintf(&b, "The audience is %s.\n", req.Audience)
	}
	b.WriteString("The full outline is:\n")
	writeOutline(&b, titles)
	return b.String()
}

func summaryPrompt(title string, titles []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize %q in one paragraph. Its chapters are:\n", title)
	writeOutline(&b, titles)
	return b.String()
}

func quizPrompt(title string, titles []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a quiz of %d questions covering %q. Its chapters are:\n", len(titles), title)
	writeOutline(&b, titles)
	b.WriteString(`Respond with [{"question": "...", "options": ["...", "..."], "answer": <zero-based index>, "explanation": "..."}].`)
	return b.String()
}

func writeOutline(b *strings.Builder, titles []string) {
	for i, t := range titles {
		fmt.Fprintf(b, "%d. %s\n", i+1, t)
	}
}
