package judge

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/danielpatrickdp/persona-governor/internal/persona"
)

// #region gate
// Check runs the deterministic gate. It is binary: any returned violation
// fails the gate regardless of scores.
func Check(text string, doc persona.Document, interaction string) []Violation {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []Violation{{ClauseID: string(KindEmpty), Kind: KindEmpty, Detail: "draft is empty"}}
	}
	lower := strings.ToLower(trimmed)
	var out []Violation

	for _, c := range doc.Policy.BannedPhrases {
		if strings.Contains(lower, strings.ToLower(c.Text)) {
			out = append(out, Violation{ClauseID: c.ID, Kind: KindBannedPhrase, Detail: c.Text})
		}
	}
	for _, c := range doc.Policy.HardClauses {
		re, err := regexp.Compile("(?i)" + c.Pattern)
		if err != nil {
			// an uncompilable clause cannot be proven satisfied
			out = append(out, Violation{ClauseID: c.ID, Kind: KindHardClause, Detail: "invalid pattern"})
			continue
		}
		if re.MatchString(trimmed) {
			out = append(out, Violation{ClauseID: c.ID, Kind: KindHardClause, Detail: c.Pattern})
		}
	}
	for _, r := range doc.Policy.RequiredElements {
		if !r.AppliesTo(interaction) {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(r.Text)) {
			out = append(out, Violation{ClauseID: r.ID, Kind: KindMissingElement, Detail: r.Text})
		}
	}
	if max := doc.Policy.MaxLength; max > 0 {
		if n := utf8.RuneCountInString(trimmed); n > max {
			out = append(out, Violation{
				ClauseID: string(KindMaxLength),
				Kind:     KindMaxLength,
				Detail:   fmt.Sprintf("%d > %d chars", n, max),
			})
		}
	}
	return out
}

// #endregion gate

// #region scrub
// Scrub deterministically repairs text: it drops sentences that hit a
// banned phrase or hard clause, trims to the length cap at a sentence
// boundary, and appends missing required elements.
func Scrub(text string, doc persona.Document, interaction string) string {
	var hard []*regexp.Regexp
	for _, c := range doc.Policy.HardClauses {
		if re, err := regexp.Compile("(?i)" + c.Pattern); err == nil {
			hard = append(hard, re)
		}
	}

	sentences := splitSentences(text)
	var kept []string
	for _, s := range sentences {
		lower := strings.ToLower(s)
		bad := false
		for _, c := range doc.Policy.BannedPhrases {
			if strings.Contains(lower, strings.ToLower(c.Text)) {
				bad = true
				break
			}
		}
		for _, re := range hard {
			if bad || re.MatchString(s) {
				bad = true
				break
			}
		}
		if !bad {
			kept = append(kept, s)
		}
	}

	var suffix []string
	for _, r := range doc.Policy.RequiredElements {
		if r.AppliesTo(interaction) && !strings.Contains(strings.ToLower(strings.Join(kept, " ")), strings.ToLower(r.Text)) {
			suffix = append(suffix, r.Text)
		}
	}
	tail := strings.Join(suffix, " ")

	if max := doc.Policy.MaxLength; max > 0 {
		budget := max - utf8.RuneCountInString(tail)
		if tail != "" {
			budget--
		}
		for len(kept) > 0 && utf8.RuneCountInString(strings.Join(kept, " ")) > budget {
			kept = kept[:len(kept)-1]
		}
	}

	if len(kept) == len(sentences) && tail == "" {
		return strings.TrimSpace(text)
	}
	out := strings.Join(kept, " ")
	if tail != "" {
		if out != "" {
			out += " "
		}
		out += tail
	}
	return strings.TrimSpace(out)
}

// splitSentences splits on terminal punctuation, keeping it.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			flush()
		}
	}
	flush()
	return out
}

// #endregion scrub
