package dashboard

import (
	"html/template"
	"slices"
	"strings"
	"time"

	"github.com/tjfontaine/query-tracer/internal/tracer"
)

var funcs = template.FuncMap{
	"clock": func(t time.Time) string {
		return t.UTC().Format("15:04:05")
	},
	"preview": func(s string, n int) string {
		s = strings.Join(strings.Fields(s), " ")
		if r := []rune(s); len(r) > n {
			return string(r[:n-1]) + "…"
		}
		return s
	},
	"selected": func(kinds []tracer.Kind, k tracer.Kind) bool {
		return len(kinds) == 0 || slices.Contains(kinds, k)
	},
	"minutes": func(d time.Duration) int {
		return int(d / time.Minute)
	},
	"join": strings.Join,
}
