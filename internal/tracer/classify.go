package tracer

import (
	"strings"
)

// Kind is the leading keyword of a statement.
type Kind string

const (
	KindSelect Kind = "SELECT"
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindExec   Kind = "EXEC"
	KindOther  Kind = "OTHER"
)

// Placeholder is rendered when a label or operation has no value.
const Placeholder = "—"

// AmbiguousRead marks a read that touched no mapped table, which is what a
// schema description call looks like from the database side.
const AmbiguousRead = "describe_entities?"

// kindOrder is the prefix precedence. Only the leading token decides the kind,
// so the order matters for keywords sharing a prefix.
var kindOrder = []Kind{KindSelect, KindInsert, KindUpdate, KindDelete, KindExec}

// Kinds lists every kind, including KindOther.
var Kinds = []Kind{KindSelect, KindInsert, KindUpdate, KindDelete, KindExec, KindOther}

var operationVerbs = []struct {
	kind Kind
	verb string
}{
	{KindSelect, "read_records"},
	{KindInsert, "create_record"},
	{KindUpdate, "update_record"},
	{KindDelete, "delete_record"},
}

// ParseKind maps a case-insensitive keyword to a Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// TableEntity maps a storage table name to the entity name the data API
// exposes for it.
type TableEntity struct {
	Table  string `koanf:"table" json:"table"`
	Entity string `koanf:"entity" json:"entity"`
}

// DefaultTableEntities is the e-commerce schema the agent is tested against.
var DefaultTableEntities = []TableEntity{
	{Table: "Products", Entity: "Product"},
	{Table: "Categories", Entity: "Category"},
	{Table: "Customers", Entity: "Customer"},
	{Table: "Orders", Entity: "Order"},
	{Table: "OrderItems", Entity: "OrderItem"},
}

// DefaultInfrastructureMarkers identify catalog queries, diagnostics, and
// driver housekeeping rather than work done on behalf of the agent.
var DefaultInfrastructureMarkers = []string{
	"sys.",
	"information_schema",
	"query_store",
	"dm_exec",
	"sp_reset_connection",
	"@@",
	"sp_trace",
	"xp_",
}

// Classification is the derived view of a statement.
type Classification struct {
	Kind      Kind     `json:"kind"`
	Tables    []string `json:"tables"`
	Entities  []string `json:"entities"`
	Operation string   `json:"operation"`
}

// TablesLabel joins the matched table names, or returns Placeholder.
func (c Classification) TablesLabel() string {
	if len(c.Tables) == 0 {
		return Placeholder
	}
	return strings.Join(c.Tables, ", ")
}

// Classifier holds the table mapping and marker list. The zero value is not
// usable; construct one with NewClassifier.
type Classifier struct {
	mapping []TableEntity
	markers []string
}

// NewClassifier returns a classifier over the given mapping and markers. Nil
// arguments select the defaults. The slices are copied.
func NewClassifier(mapping []TableEntity, markers []string) *Classifier {
	if mapping == nil {
		mapping = DefaultTableEntities
	}
	if markers == nil {
		markers = DefaultInfrastructureMarkers
	}
	c := &Classifier{
		mapping: append([]TableEntity(nil), mapping...),
		markers: make([]string, len(markers)),
	}
	for i, m := range markers {
		c.markers[i] = strings.ToLower(m)
	}
	return c
}

var defaultClassifier = NewClassifier(nil, nil)

// Classify classifies text with the default mapping.
func Classify(text string) Classification {
	return defaultClassifier.Classify(text)
}

// IsInfrastructureStatement reports whether text matches a default marker.
func IsInfrastructureStatement(text string) bool {
	return defaultClassifier.IsInfrastructure(text)
}

// Tables returns the configured table names in declared order.
func (c *Classifier) Tables() []string {
	out := make([]string, len(c.mapping))
	for i, te := range c.mapping {
		out[i] = te.Table
	}
	return out
}

// Classify determines kind, referenced tables and the inferred data API
// operation for a statement. It never fails.
func (c *Classifier) Classify(text string) Classification {
	upper := strings.ToUpper(strings.TrimSpace(text))
	kind := KindOther
	for _, k := range kindOrder {
		if strings.HasPrefix(upper, string(k)) {
			kind = k
			break
		}
	}

	lower := strings.ToLower(text)
	var tables, entities []string
	for _, te := range c.mapping {
		if strings.Contains(lower, strings.ToLower(te.Table)) {
			tables = append(tables, te.Table)
			entities = append(entities, te.Entity)
		}
	}

	return Classification{
		Kind:      kind,
		Tables:    tables,
		Entities:  entities,
		Operation: inferOperation(kind, entities),
	}
}

func inferOperation(kind Kind, entities []string) string {
	if len(entities) > 0 {
		for _, ov := range operationVerbs {
			if ov.kind == kind {
				return ov.verb + "(" + strings.Join(entities, ", ") + ")"
			}
		}
	}
	if kind == KindSelect {
		return AmbiguousRead
	}
	return Placeholder
}

// IsInfrastructure reports whether the lower-cased text contains any marker.
func (c *Classifier) IsInfrastructure(text string) bool {
	low := strings.ToLower(text)
	for _, m := range c.markers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}
