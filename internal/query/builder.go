package query

import (
	"fmt"
	"strings"

	"github.com/hyperengineering/ledger/internal/schema"
	"github.com/hyperengineering/ledger/internal/sqlutil"
)

// TableExpr returns the SQL expression standing in for a table in
// SELECT-family queries. View rewrites plug in here; the default is the
// quoted table name.
type TableExpr func(table string) string

// Options carry the optional search parameters. They are always explicit:
// there is no positional overloading between order-by and join-fetch.
type Options struct {
	JoinFetch []JoinFetch
	OrderBy   string
	Offset    int
	Limit     int
}

// Builder translates predicates and join-fetch trees into backend SQL with
// stable aliasing: the root table is alias t, each join gets t<n> with an
// alias-id path main_<join-name>_... used to locate nested joins during
// result assembly.
type Builder struct {
	Dialect sqlutil.Dialect
	Schema  schema.Schema
	Expr    TableExpr
}

// planNode is one node of the join tree: the root or a join-fetch child.
type planNode struct {
	table    *schema.Table
	alias    string
	aliasID  string
	name     string
	many     bool
	orderBy  string
	children []*planNode
}

// SelectPlan is a built query plus the alias tree needed to assemble rows.
type SelectPlan struct {
	SQL  string
	Args []any
	root *planNode
}

func (b *Builder) tableExpr(name string) string {
	if b.Expr != nil {
		if expr := b.Expr(name); expr != "" {
			return expr
		}
	}
	return b.Dialect.QuoteIdent(name)
}

// Select builds a SELECT over table with the given predicate and options.
func (b *Builder) Select(table *schema.Table, pred Predicate, opts Options) (*SelectPlan, error) {
	if err := Validate(pred, table); err != nil {
		return nil, err
	}
	orderTerms, err := ParseOrderBy(opts.OrderBy, table)
	if err != nil {
		return nil, err
	}

	root := &planNode{table: table, alias: "t", aliasID: "main"}
	aliasSeq := 0
	var joinClauses []string
	var joinArgs []any
	for i := range opts.JoinFetch {
		if err := b.buildJoin(root, &opts.JoinFetch[i], &aliasSeq, &joinClauses, &joinArgs); err != nil {
			return nil, err
		}
	}

	whereSQL, whereArgs, err := b.buildWhere(pred, root.alias)
	if err != nil {
		return nil, err
	}

	cols := b.selectColumns(root)
	paged := opts.Limit > 0 || opts.Offset > 0
	joined := len(root.children) > 0

	var sb strings.Builder
	var args []any
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString("\nFROM ")

	switch {
	case joined && paged:
		// Paging over a joined result applies to the parent row set:
		// window-rank the parents by their ordering and bound the rank.
		sb.WriteString("(SELECT t.*, ROW_NUMBER() OVER (ORDER BY ")
		sb.WriteString(b.orderExprs(root, orderTerms))
		sb.WriteString(") AS _rank FROM ")
		sb.WriteString(b.tableExpr(table.Name))
		sb.WriteString(" AS t")
		if whereSQL != "" {
			sb.WriteString(" WHERE ")
			sb.WriteString(whereSQL)
			args = append(args, whereArgs...)
		}
		sb.WriteString(") AS t")
	default:
		sb.WriteString(b.tableExpr(table.Name))
		sb.WriteString(" AS t")
	}

	for _, jc := range joinClauses {
		sb.WriteString("\n")
		sb.WriteString(jc)
	}
	args = append(args, joinArgs...)

	switch {
	case joined && paged:
		sb.WriteString("\nWHERE t._rank > ? AND t._rank <= ?")
		limit := opts.Limit
		if limit <= 0 {
			limit = int(^uint(0) >> 1)
		}
		args = append(args, opts.Offset, opts.Offset+limit)
	case whereSQL != "":
		sb.WriteString("\nWHERE ")
		sb.WriteString(whereSQL)
		args = append(args, whereArgs...)
	}

	sb.WriteString("\nORDER BY ")
	sb.WriteString(b.orderExprs(root, orderTerms))
	if childOrder, err := b.childOrderExprs(root); err != nil {
		return nil, err
	} else if childOrder != "" {
		sb.WriteString(", ")
		sb.WriteString(childOrder)
	}

	if paged && !joined {
		sb.WriteString("\nLIMIT ? OFFSET ?")
		limit := opts.Limit
		if limit <= 0 {
			limit = int(^uint(0) >> 1)
		}
		args = append(args, limit, opts.Offset)
	}

	return &SelectPlan{SQL: sb.String(), Args: args, root: root}, nil
}

// buildJoin resolves one join-fetch node and appends its LEFT JOIN clause,
// recursing into nested joins.
func (b *Builder) buildJoin(parent *planNode, jf *JoinFetch, aliasSeq *int, clauses *[]string, args *[]any) error {
	if jf.Type != Join2One && jf.Type != Join2Many {
		return fmt.Errorf("join %s: type must be %q or %q", jf.OtherTable, Join2One, Join2Many)
	}
	if jf.ThisTable != "" && jf.ThisTable != parent.table.Name {
		return fmt.Errorf("join %s: thisTable %q does not match parent %q", jf.OtherTable, jf.ThisTable, parent.table.Name)
	}

	other := b.Schema.Table(jf.OtherTable)
	if other == nil {
		return fmt.Errorf("join: unknown table %q", jf.OtherTable)
	}
	thisField, otherField, err := resolveJoin(parent.table, jf, b.Schema)
	if err != nil {
		return err
	}

	*aliasSeq++
	name := jf.Name
	if name == "" {
		name = jf.OtherTable
	}
	node := &planNode{
		table:   other,
		alias:   fmt.Sprintf("t%d", *aliasSeq),
		aliasID: parent.aliasID + "_" + name,
		name:    name,
		many:    jf.Type == Join2Many,
		orderBy: jf.OrderBy,
	}
	parent.children = append(parent.children, node)

	on := fmt.Sprintf("%s.%s = %s.%s",
		node.alias, b.Dialect.QuoteIdent(otherField),
		parent.alias, b.Dialect.QuoteIdent(thisField))

	if jf.JoinSearch != nil {
		// joinSearch attaches to the JOIN's ON-clause, not the outer WHERE.
		if err := Validate(jf.JoinSearch, other); err != nil {
			return fmt.Errorf("joinSearch on %s: %w", jf.OtherTable, err)
		}
		extra, extraArgs, err := b.buildWhere(jf.JoinSearch, node.alias)
		if err != nil {
			return err
		}
		if extra != "" {
			on += " AND " + extra
			*args = append(*args, extraArgs...)
		}
	}

	*clauses = append(*clauses, fmt.Sprintf("LEFT JOIN %s AS %s ON %s", b.tableExpr(other.Name), node.alias, on))

	for i := range jf.Joins {
		if err := b.buildJoin(node, &jf.Joins[i], aliasSeq, clauses, args); err != nil {
			return err
		}
	}
	return nil
}

// buildWhere renders a predicate into SQL with '?' placeholders.
func (b *Builder) buildWhere(p Predicate, alias string) (string, []any, error) {
	switch v := p.(type) {
	case nil:
		return "", nil, nil
	case Cond:
		return b.buildCond(v, alias)
	case And:
		return b.buildGroup([]Predicate(v), alias, " AND ")
	case Or:
		return b.buildGroup([]Predicate(v), alias, " OR ")
	default:
		return "", nil, fmt.Errorf("unknown predicate node %T", p)
	}
}

func (b *Builder) buildGroup(children []Predicate, alias, sep string) (string, []any, error) {
	var parts []string
	var args []any
	for _, child := range children {
		sql, childArgs, err := b.buildWhere(child, alias)
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			continue
		}
		parts = append(parts, sql)
		args = append(args, childArgs...)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	return "(" + strings.Join(parts, sep) + ")", args, nil
}

func (b *Builder) buildCond(c Cond, alias string) (string, []any, error) {
	col := alias + "." + b.Dialect.QuoteIdent(c.Col)
	switch c.Op {
	case OpEq:
		if c.Value == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " = ?", []any{c.Value}, nil
	case OpNeq:
		if c.Value == nil {
			return col + " IS NOT NULL", nil, nil
		}
		return col + " <> ?", []any{c.Value}, nil
	case OpGt, OpGte, OpLt, OpLte:
		return fmt.Sprintf("%s %s ?", col, c.Op), []any{c.Value}, nil
	case OpIn, OpNotIn:
		values, ok := c.Value.([]any)
		if !ok || len(values) == 0 {
			return "", nil, fmt.Errorf("%s on %q requires a non-empty list", c.Op, c.Col)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		kw := "IN"
		if c.Op == OpNotIn {
			kw = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, kw, placeholders), values, nil
	case OpBetween:
		values, ok := c.Value.([]any)
		if !ok || len(values) != 2 {
			return "", nil, fmt.Errorf("between on %q requires a 2-tuple", c.Col)
		}
		return col + " BETWEEN ? AND ?", values, nil
	case OpILike:
		return fmt.Sprintf("%s %s ?", col, b.Dialect.ILike()), []any{c.Value}, nil
	default:
		return "", nil, fmt.Errorf("unknown operator %q", c.Op)
	}
}

// selectColumns lists every node's columns aliased "<alias>.<col>" so rows
// can be split back into per-node records during assembly.
func (b *Builder) selectColumns(root *planNode) []string {
	var cols []string
	var walk func(n *planNode)
	walk = func(n *planNode) {
		for _, c := range n.table.Columns {
			cols = append(cols, fmt.Sprintf("%s.%s AS %s",
				n.alias, b.Dialect.QuoteIdent(c.Name),
				b.Dialect.QuoteIdent(n.alias+"."+c.Name)))
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(root)
	return cols
}

// orderExprs renders the parent ordering: the supplied terms, or the pk.
func (b *Builder) orderExprs(root *planNode, terms []OrderTerm) string {
	var parts []string
	if len(terms) > 0 {
		for _, term := range terms {
			expr := root.alias + "." + b.Dialect.QuoteIdent(term.Col)
			if term.Desc {
				expr += " DESC"
			}
			parts = append(parts, expr)
		}
		return strings.Join(parts, ", ")
	}
	for _, pk := range root.table.PK {
		parts = append(parts, root.alias+"."+b.Dialect.QuoteIdent(pk))
	}
	return strings.Join(parts, ", ")
}

// childOrderExprs renders join-node ordering so 2one picks a deterministic
// first row and 2many lists are stable: any per-join orderBy first, then the
// child pk.
func (b *Builder) childOrderExprs(root *planNode) (string, error) {
	var parts []string
	var walk func(n *planNode) error
	walk = func(n *planNode) error {
		for _, child := range n.children {
			if child.orderBy != "" {
				terms, err := ParseOrderBy(child.orderBy, child.table)
				if err != nil {
					return fmt.Errorf("orderBy on join %s: %w", child.table.Name, err)
				}
				for _, term := range terms {
					expr := child.alias + "." + b.Dialect.QuoteIdent(term.Col)
					if term.Desc {
						expr += " DESC"
					}
					parts = append(parts, expr)
				}
			}
			for _, pk := range child.table.PK {
				parts = append(parts, child.alias+"."+b.Dialect.QuoteIdent(pk))
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return "", err
	}
	return strings.Join(parts, ", "), nil
}
