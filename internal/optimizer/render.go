package optimizer

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/persona-governor/internal/persona"
)

// #region render
// Render produces the heuristic rendering of doc for cfg.
func Render(doc persona.Document, cfg StrategyConfig) string {
	var b strings.Builder
	if cfg.PromptModifier != "" {
		b.WriteString(cfg.PromptModifier)
		b.WriteString("\n\n")
	}
	if cfg.PolicyFirst {
		writePolicy(&b, doc.Policy, cfg)
		writeIdentity(&b, doc, cfg)
	} else {
		writeIdentity(&b, doc, cfg)
		writePolicy(&b, doc.Policy, cfg)
	}
	if cfg.IncludeVoice {
		writeVoice(&b, doc.Voice, cfg)
	}
	if cfg.IncludeFormat {
		writeFormat(&b, doc.Structure, cfg)
	}
	return strings.TrimSpace(b.String())
}

func section(b *strings.Builder, cfg StrategyConfig, title string) {
	if cfg.Headings {
		fmt.Fprintf(b, "## %s\n", title)
	}
}

func list(b *strings.Builder, cfg StrategyConfig, lead string, items []string) {
	if len(items) == 0 {
		return
	}
	if cfg.Bullets {
		if lead != "" {
			fmt.Fprintf(b, "%s:\n", lead)
		}
		for _, it := range items {
			fmt.Fprintf(b, "- %s\n", it)
		}
		return
	}
	fmt.Fprintf(b, "%s: %s.\n", lead, strings.Join(items, "; "))
}

func writeIdentity(b *strings.Builder, doc persona.Document, cfg StrategyConfig) {
	section(b, cfg, "Persona")
	name := doc.Name
	if name == "" {
		name = "the owner"
	}
	fmt.Fprintf(b, "You are %s's assistant.\n", name)
	intents := make([]string, 0, len(doc.Workflows))
	for _, w := range doc.Workflows {
		intents = append(intents, w.Intent)
	}
	list(b, cfg, "You handle", intents)
	b.WriteString("\n")
}

// ClauseLabel is the text a rendering must mention to cover c.
func ClauseLabel(c persona.Clause) string {
	if c.Text != "" {
		return c.Text
	}
	return c.ID
}

func writePolicy(b *strings.Builder, p persona.Policy, cfg StrategyConfig) {
	section(b, cfg, "Policy")
	var never, always []string
	for _, c := range p.BannedPhrases {
		never = append(never, fmt.Sprintf("say %q", ClauseLabel(c)))
	}
	for _, c := range p.HardClauses {
		if c.Text != "" {
			never = append(never, c.Text)
		} else {
			never = append(never, fmt.Sprintf("produce content matching rule %s", c.ID))
		}
	}
	for _, t := range p.BannedTopics {
		never = append(never, "discuss "+t)
	}
	for _, r := range p.RequiredElements {
		always = append(always, fmt.Sprintf("include %q", r.Text))
	}
	list(b, cfg, "Never", never)
	list(b, cfg, "Always", always)
	if p.MaxLength > 0 {
		fmt.Fprintf(b, "Keep answers under %d characters.\n", p.MaxLength)
	}
	b.WriteString("\n")
}

func writeVoice(b *strings.Builder, v persona.Voice, cfg StrategyConfig) {
	if len(v.Preferred) == 0 && len(v.Avoided) == 0 && v.Formality == "" {
		return
	}
	section(b, cfg, "Voice")
	list(b, cfg, "Prefer phrasing like", v.Preferred)
	list(b, cfg, "Avoid phrasing like", v.Avoided)
	if v.Formality != "" {
		fmt.Fprintf(b, "Tone: %s.\n", v.Formality)
	}
	b.WriteString("\n")
}

func writeFormat(b *strings.Builder, s persona.Structure, cfg StrategyConfig) {
	var rules []string
	if s.MaxParagraphs > 0 {
		rules = append(rules, fmt.Sprintf("at most %d paragraphs", s.MaxParagraphs))
	}
	if s.MaxSentenceWords > 0 {
		rules = append(rules, fmt.Sprintf("sentences under %d words", s.MaxSentenceWords))
	}
	if s.BulletLimit > 0 {
		rules = append(rules, fmt.Sprintf("no more than %d bullets", s.BulletLimit))
	}
	if len(rules) == 0 {
		return
	}
	section(b, cfg, "Format")
	list(b, cfg, "Format", rules)
	b.WriteString("\n")
}

// #endregion render
