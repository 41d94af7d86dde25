package tracer

import "time"

// DefaultPadding absorbs clock skew between the machine running the agent and
// the database server.
const DefaultPadding = 30 * time.Second

// Window returns the padded interval of an interaction.
func (i Interaction) Window(padding time.Duration) (from, to time.Time) {
	return i.Start.Add(-padding), i.End.Add(padding)
}

// Contains reports whether t falls inside the padded window. Both edges are
// inclusive.
func (i Interaction) Contains(t time.Time, padding time.Duration) bool {
	from, to := i.Window(padding)
	return !t.Before(from) && !t.After(to)
}

// Correlate assigns each statement to the first interaction, in declared
// order, whose padded window contains the statement's execution time.
//
// Overlapping windows are resolved by declaration order only: an earlier
// interaction keeps a statement even when a later window fits it more
// tightly. Statements and groups keep the order of the inputs. Interactions
// are expected to be filtered by the caller; no cutoff is applied here.
func Correlate(statements []Statement, interactions []Interaction, padding time.Duration) Result {
	res := Result{
		Groups:    make([]Group, len(interactions)),
		Unmatched: []Statement{},
	}
	for i, in := range interactions {
		res.Groups[i] = Group{Interaction: in, Statements: []Statement{}}
	}

	for _, st := range statements {
		claimed := false
		for i := range interactions {
			if interactions[i].Contains(st.ExecutedAt, padding) {
				res.Groups[i].Statements = append(res.Groups[i].Statements, st)
				claimed = true
				break
			}
		}
		if !claimed {
			res.Unmatched = append(res.Unmatched, st)
		}
	}
	return res
}

// EndedSince keeps the interactions whose End is at or after cutoff,
// preserving order.
func EndedSince(interactions []Interaction, cutoff time.Time) []Interaction {
	out := make([]Interaction, 0, len(interactions))
	for _, in := range interactions {
		if !in.End.Before(cutoff) {
			out = append(out, in)
		}
	}
	return out
}
