// Package metadata implements the shadow-relation layer of spec.md: the
// per-table metadata model (§3), capture triggers and change emission
// (§4.3), shadow relation lifecycle and schema-alter workflow (§4.5), the
// prepared statement inventory (§4.9), and schema hashing (§4.8). It is the
// "metadata/trigger layer" component of SPEC_FULL.md's size budget.
package metadata

import (
	"fmt"
	"sort"
	"strings"
)

// Algo is the per-table merge algorithm tag of spec §3.
type Algo string

const (
	AlgoCLS Algo = "cls" // Causal-Length Set (default)
	AlgoDWS Algo = "dws" // Delete-Wins Set
	AlgoAWS Algo = "aws" // Add-Wins Set
	AlgoGOS Algo = "gos" // Grow-Only Set
)

// ParseAlgo validates a user-supplied algorithm name, defaulting to CLS.
func ParseAlgo(s string) (Algo, error) {
	switch Algo(strings.ToLower(s)) {
	case "", AlgoCLS:
		return AlgoCLS, nil
	case AlgoDWS:
		return AlgoDWS, nil
	case AlgoAWS:
		return AlgoAWS, nil
	case AlgoGOS:
		return AlgoGOS, nil
	default:
		return "", fmt.Errorf("metadata: unknown algorithm %q", s)
	}
}

// TombstoneSentinel is the reserved col_name for a row's existence entry.
const TombstoneSentinel = "__TOMBSTONE__"

// MetaSuffix names the shadow relation for a user table.
const MetaSuffix = "_meta"

// ShadowName returns the shadow relation name for table.
func ShadowName(table string) string { return table + MetaSuffix }

// Column describes one column of an augmented table.
type Column struct {
	Name    string
	Type    string // the declared SQLite type affinity, informational only
	NotNull bool
	IsPK    bool
	// Default is the column's DEFAULT clause text (empty if none); required
	// for every NOT NULL non-PK column per the §4.5 sanity check.
	Default string
}

// TableDescriptor is everything the engine knows about one augmented table.
// Descriptors are owned by value by the table inventory (spec §9
// "descriptors own their prepared statements by handle").
type TableDescriptor struct {
	Name        string
	Algo        Algo
	PKColumns   []Column
	DataColumns []Column // non-PK columns
	ForceIntPK  bool
}

// AllColumnNames returns PK columns followed by data columns, in
// declaration order.
func (td TableDescriptor) AllColumnNames() []string {
	names := make([]string, 0, len(td.PKColumns)+len(td.DataColumns))
	for _, c := range td.PKColumns {
		names = append(names, c.Name)
	}
	for _, c := range td.DataColumns {
		names = append(names, c.Name)
	}
	return names
}

// PKColumnNames returns just the primary key column names, in declaration
// order (stable: the order the table was declared with, not sorted).
func (td TableDescriptor) PKColumnNames() []string {
	names := make([]string, len(td.PKColumns))
	for i, c := range td.PKColumns {
		names[i] = c.Name
	}
	return names
}

// DataColumnNames returns the non-PK column names.
func (td TableDescriptor) DataColumnNames() []string {
	names := make([]string, len(td.DataColumns))
	for i, c := range td.DataColumns {
		names[i] = c.Name
	}
	return names
}

// Validate applies the §4.5 sanity checks: at most 128 composite PK
// columns, all PK columns NOT NULL, every non-PK NOT NULL column carries a
// DEFAULT, and a single-column INTEGER PK is rejected unless ForceIntPK —
// SQLite aliases a single INTEGER PRIMARY KEY to the rowid, which would
// silently break the pk-codec's assumption that the PK is a stable,
// independently-encoded byte string.
func (td TableDescriptor) Validate() error {
	if len(td.PKColumns) == 0 {
		return fmt.Errorf("metadata: table %q has no primary key columns", td.Name)
	}
	if len(td.PKColumns) > 128 {
		return fmt.Errorf("metadata: table %q has %d primary key columns, maximum is 128", td.Name, len(td.PKColumns))
	}
	for _, c := range td.PKColumns {
		if !c.NotNull {
			return fmt.Errorf("metadata: primary key column %q.%q must be NOT NULL", td.Name, c.Name)
		}
	}
	for _, c := range td.DataColumns {
		if c.NotNull && c.Default == "" {
			return fmt.Errorf("metadata: NOT NULL column %q.%q requires a DEFAULT", td.Name, c.Name)
		}
	}
	if len(td.PKColumns) == 1 && strings.EqualFold(td.PKColumns[0].Type, "integer") && !td.ForceIntPK {
		return fmt.Errorf("metadata: table %q has a single-column INTEGER PRIMARY KEY, which SQLite aliases to rowid; pass force_int_pk to override", td.Name)
	}
	return nil
}

// CreateTableText returns a canonicalized (lowercased, whitespace-folded)
// rendering of the table's shape, used as one line of input to the schema
// hash of §4.8. It is not a literal CREATE TABLE statement (the engine
// never re-derives DDL text from a live connection); it is a stable,
// self-contained fingerprint input that changes iff the column set,
// nullability, or PK set changes.
func (td TableDescriptor) CreateTableText() string {
	var b strings.Builder
	b.WriteString("table ")
	b.WriteString(strings.ToLower(td.Name))
	b.WriteString(" pk(")
	pk := append([]string(nil), td.PKColumnNames()...)
	b.WriteString(strings.ToLower(strings.Join(pk, ",")))
	b.WriteString(") cols(")
	cols := make([]string, 0, len(td.DataColumns))
	for _, c := range td.DataColumns {
		cols = append(cols, strings.ToLower(c.Name)+":"+strings.ToLower(c.Type))
	}
	sort.Strings(cols)
	b.WriteString(strings.Join(cols, ","))
	b.WriteString(")")
	return b.String()
}
