package tracer

// Summary aggregates the headline metrics of a statement list.
type Summary struct {
	Statements     int     `json:"statements"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	TotalRows      int64   `json:"total_rows"`
	DistinctTables int     `json:"distinct_tables"`
}

// Summarize computes the summary. DistinctTables counts distinct table labels,
// so "Products" and "Products, Categories" are two entries.
func Summarize(c *Classifier, statements []Statement) Summary {
	s := Summary{Statements: len(statements)}
	if len(statements) == 0 {
		return s
	}
	labels := make(map[string]struct{})
	var total float64
	for _, st := range statements {
		total += st.AvgDurationMs
		s.TotalRows += st.Rows
		labels[c.Classify(st.Text).TablesLabel()] = struct{}{}
	}
	s.AvgDurationMs = total / float64(len(statements))
	s.DistinctTables = len(labels)
	return s
}
