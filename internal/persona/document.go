package persona

import (
	"bytes"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"
)

// #region import
// ImportYAML decodes and validates a persona document.
func ImportYAML(r io.Reader) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return Document{}, fmt.Errorf("%w: empty document", ErrInvalidDocument)
		}
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ExportYAML encodes doc as YAML.
func ExportYAML(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// #endregion import

// #region validate
// Validate checks workflow ids, thresholds and clause patterns.
func (d Document) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
	}

	if len(d.Workflows) == 0 {
		return invalid("at least one workflow is required")
	}
	seen := make(map[string]bool)
	for _, w := range d.Workflows {
		if w.ID == "" {
			return invalid("workflow with empty id")
		}
		if seen[w.ID] {
			return invalid("duplicate workflow id %q", w.ID)
		}
		seen[w.ID] = true
		if w.Threshold < 0 || w.Threshold > 1 {
			return invalid("workflow %q threshold %v outside [0,1]", w.ID, w.Threshold)
		}
		for _, in := range w.RequiredInputs {
			if in.Name == "" {
				return invalid("workflow %q has a required input without a name", w.ID)
			}
		}
	}

	clauses := make(map[string]bool)
	checkID := func(id string) error {
		if id == "" {
			return invalid("policy clause with empty id")
		}
		if clauses[id] {
			return invalid("duplicate clause id %q", id)
		}
		clauses[id] = true
		return nil
	}
	for _, c := range d.Policy.BannedPhrases {
		if err := checkID(c.ID); err != nil {
			return err
		}
		if c.Text == "" {
			return invalid("banned phrase %q has no text", c.ID)
		}
	}
	for _, c := range d.Policy.HardClauses {
		if err := checkID(c.ID); err != nil {
			return err
		}
		if _, err := regexp.Compile("(?i)" + c.Pattern); err != nil || c.Pattern == "" {
			return invalid("hard clause %q: bad pattern %q", c.ID, c.Pattern)
		}
	}
	for _, r := range d.Policy.RequiredElements {
		if err := checkID(r.ID); err != nil {
			return err
		}
		if r.Text == "" {
			return invalid("required element %q has no text", r.ID)
		}
	}
	if d.Policy.MaxLength < 0 {
		return invalid("max_length must not be negative")
	}

	switch d.Voice.Formality {
	case "", "formal", "neutral", "casual":
	default:
		return invalid("unknown formality %q", d.Voice.Formality)
	}
	return nil
}

// #endregion validate
