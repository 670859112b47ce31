package signals

import (
	"regexp"
	"strings"
)

var (
	urlPattern        = regexp.MustCompile(`https?://\S+`)
	emailPattern      = regexp.MustCompile(`\S+@\S+\.\S+`)
	repeatedDots      = regexp.MustCompile(`\.{2,}`)
	repeatedMarks     = regexp.MustCompile(`[!?]{2,}`)
	disallowedRunes   = regexp.MustCompile(`[^\p{L}\p{N}\s.!?,;:'"()\-]+`)
	whitespace        = regexp.MustCompile(`\s+`)
	spaceBeforePunct  = regexp.MustCompile(`\s+([.,!?;:])`)
	quoteReplacements = strings.NewReplacer("‘", "'", "’", "'", "“", `"`, "”", `"`)
)

var contractions = strings.NewReplacer(
	"can't", "cannot",
	"won't", "will not",
	"shan't", "shall not",
	"n't", " not",
	"'re", " are",
	"'ve", " have",
	"'ll", " will",
	"'m", " am",
)

var slang = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`\bu\b`), "you"},
	{regexp.MustCompile(`\bur\b`), "your"},
	{regexp.MustCompile(`\brn\b`), "right now"},
	{regexp.MustCompile(`\btbh\b`), "to be honest"},
	{regexp.MustCompile(`\bidk\b`), "i do not know"},
	{regexp.MustCompile(`\bimo\b`), "in my opinion"},
	{regexp.MustCompile(`\batm\b`), "at the moment"},
	{regexp.MustCompile(`\bnvm\b`), "never mind"},
	{regexp.MustCompile(`\basap\b`), "as soon as possible"},
	{regexp.MustCompile(`\bpls\b|\bplz\b`), "please"},
}

// Normalize prepares user text for the keyword classifiers: lowercase,
// straight quotes, contractions expanded, common chat slang spelled out,
// emphatic punctuation collapsed and whitespace squeezed.
func Normalize(text string) string {
	t := strings.ToLower(quoteReplacements.Replace(text))
	t = urlPattern.ReplaceAllString(t, " ")
	t = emailPattern.ReplaceAllString(t, " ")
	t = contractions.Replace(t)
	for _, s := range slang {
		t = s.pattern.ReplaceAllString(t, s.repl)
	}
	t = disallowedRunes.ReplaceAllString(t, " ")
	t = repeatedDots.ReplaceAllString(t, "...")
	t = repeatedMarks.ReplaceAllStringFunc(t, func(m string) string {
		if strings.Contains(m, "!") {
			return "!!!"
		}
		return "???"
	})
	t = whitespace.ReplaceAllString(t, " ")
	t = spaceBeforePunct.ReplaceAllString(t, "$1")
	return strings.TrimSpace(t)
}
