// Package speech prepares agent replies for synthesis and pipelines the
// resulting audio into a session's playback queue.
//
// [Clean] strips markdown so the synthesizer reads prose, [SplitSentences]
// segments the cleaned text, and [Pipeline] synthesizes sentences ahead of
// playback while delivering them strictly in order.
package speech

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type rewrite struct {
	re   *regexp.Regexp
	repl string
}

// cleanRules run in order. Block-level markers first, then inline markup,
// then whitespace normalization.
var cleanRules = []rewrite{
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},
	{regexp.MustCompile(`(?m)^\s*[-*•]\s+`), ""},
	{regexp.MustCompile(`(?m)^\s*\d+\.\s+`), ""},
	{regexp.MustCompile(`\*{1,3}(.+?)\*{1,3}`), "$1"},
	{regexp.MustCompile(`\*{1,3}`), ""},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), ""},
	{regexp.MustCompile("`(.+?)`"), "$1"},
	{regexp.MustCompile(`\n{2,}`), ". "},
	{regexp.MustCompile(`\n`), " "},
	{regexp.MustCompile(`\s{2,}`), " "},
	{regexp.MustCompile(`\.{2,}`), "."},
}

// Clean strips markdown formatting from text: headings, list markers,
// emphasis, links (keeping their text), bare URLs and inline code. Blank
// lines become sentence breaks and whitespace is collapsed.
//
// Clean is idempotent. The rules are reapplied until the text stops
// changing; every rule either shortens the text or removes a newline, so
// this terminates.
func Clean(text string) string {
	for {
		next := cleanOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

func cleanOnce(text string) string {
	for _, r := range cleanRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return strings.TrimSpace(text)
}

// SplitSentences splits text after '.', '!' or '?' when followed by
// whitespace. Fragments are trimmed and empty ones dropped. Terminators not
// followed by whitespace ("3.14", "e.g.x") do not split.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	var (
		out   []string
		start int
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		r, size := utf8.DecodeRuneInString(text[i+1:])
		if size == 0 || !unicode.IsSpace(r) {
			continue
		}
		out = appendSentence(out, text[start:i+1])
		j := i + 1
		for j < len(text) {
			r, size := utf8.DecodeRuneInString(text[j:])
			if !unicode.IsSpace(r) {
				break
			}
			j += size
		}
		start = j
		i = j - 1
	}
	return appendSentence(out, text[start:])
}

func appendSentence(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}
