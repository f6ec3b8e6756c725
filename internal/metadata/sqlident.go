package metadata

// QuoteIdent quotes a SQL identifier for embedding in generated DDL/DML,
// exported so collaborating packages (the merge engine, sqlhost) build
// consistent identifiers without re-deriving the quoting rule.
func QuoteIdent(s string) string { return quoteIdent(s) }

// PKWhereClause renders "col1 = ? AND col2 = ? ..." for the given primary
// key column names, in declaration order, matching the positional binding
// order pkcodec.BindInto produces.
func PKWhereClause(pkCols []string) string { return pkEqualsClause(pkCols) }

// QuoteIdentList renders a comma-separated, quoted identifier list.
func QuoteIdentList(cols []string) string { return columnList(cols) }

// Placeholders renders n comma-separated "?" positional parameters.
func Placeholders(n int) string { return placeholders(n) }
