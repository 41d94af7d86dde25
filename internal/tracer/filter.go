package tracer

import (
	"slices"
	"strings"
)

// DefaultKinds are the kinds shown when no explicit selection is made.
var DefaultKinds = []Kind{KindSelect, KindInsert, KindUpdate, KindDelete}

// Filter selects which statements are displayed. The zero value keeps
// everything except infrastructure statements.
type Filter struct {
	ShowSystem bool
	// Kinds restricts statement kinds. Empty keeps every kind.
	Kinds []Kind
	// Tables keeps statements touching at least one of the named tables,
	// compared case-insensitively.
	// Empty keeps all statements.
	Tables []string
}

// Apply returns the statements passing the filter in their original order.
func (f Filter) Apply(c *Classifier, statements []Statement) []Statement {
	out := make([]Statement, 0, len(statements))
	for _, st := range statements {
		if !f.ShowSystem && c.IsInfrastructure(st.Text) {
			continue
		}
		cl := c.Classify(st.Text)
		if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, cl.Kind) {
			continue
		}
		if len(f.Tables) > 0 && !touchesAny(cl.Tables, f.Tables) {
			continue
		}
		out = append(out, st)
	}
	return out
}

func touchesAny(tables, wanted []string) bool {
	for _, t := range tables {
		for _, w := range wanted {
			if strings.EqualFold(t, w) {
				return true
			}
		}
	}
	return false
}
