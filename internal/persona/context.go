package persona

import (
	"context"
	"fmt"
)

// #region context
// ModuleRef is a learned module visible to a request.
type ModuleRef struct {
	ID         string
	Kind       string
	Key        string
	Confidence float64
}

// VariantRef is the active prompt variant visible to a request.
type VariantRef struct {
	ID        string
	Strategy  string
	Rendering string
}

// Context is everything a single request needs from the governed persona.
// It is built per request and never shared between requests.
type Context struct {
	Spec    Spec
	Modules []ModuleRef
	Variant *VariantRef
}

// Document is shorthand for c.Spec.Document.
func (c *Context) Document() Document { return c.Spec.Document }

// ModuleIDs returns the ids of the modules in play.
func (c *Context) ModuleIDs() []string {
	ids := make([]string, len(c.Modules))
	for i, m := range c.Modules {
		ids[i] = m.ID
	}
	return ids
}

// VariantID returns the active variant id, or "".
func (c *Context) VariantID() string {
	if c.Variant == nil {
		return ""
	}
	return c.Variant.ID
}

// #endregion context

// #region loader
// ModuleSource lists a twin's active learned modules.
type ModuleSource interface {
	ActiveModules(ctx context.Context, twinID string) ([]ModuleRef, error)
}

// VariantSource returns a twin's active prompt variant, nil when none.
type VariantSource interface {
	ActiveVariant(ctx context.Context, twinID string) (*VariantRef, error)
}

// Loader assembles a Context from the persona spec store plus optional module and
// variant sources.
type Loader struct {
	Specs    *Store
	Modules  ModuleSource
	Variants VariantSource
}

// LoadContext builds the request context for twinID. A missing active spec
// returns ErrNotFound. The modules in play are the ones the active spec
// lists; with a module source, listed modules it no longer reports active
// are left out.
func (l *Loader) LoadContext(ctx context.Context, twinID string) (*Context, error) {
	spec, err := l.Specs.Active(ctx, twinID)
	if err != nil {
		return nil, err
	}
	pc := &Context{Spec: spec}

	var active map[string]bool
	if l.Modules != nil && len(spec.Document.LearnedModules) > 0 {
		mods, err := l.Modules.ActiveModules(ctx, twinID)
		if err != nil {
			return nil, fmt.Errorf("load modules: %w", err)
		}
		active = make(map[string]bool, len(mods))
		for _, m := range mods {
			active[m.ID] = true
		}
	}
	for _, lm := range spec.Document.LearnedModules {
		if active != nil && !active[lm.ID] {
			continue
		}
		pc.Modules = append(pc.Modules, ModuleRef{ID: lm.ID, Kind: lm.Kind, Key: lm.Key, Confidence: lm.Confidence})
	}
	if l.Variants != nil {
		v, err := l.Variants.ActiveVariant(ctx, twinID)
		if err != nil {
			return nil, fmt.Errorf("load variant: %w", err)
		}
		pc.Variant = v
	}
	return pc, nil
}

// #endregion loader
