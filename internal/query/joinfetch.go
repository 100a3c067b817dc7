package query

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/ledger/internal/schema"
)

// Join types: a 2one child attaches the first matching row, a 2many child
// attaches the full list of matching rows.
const (
	Join2One  = "2one"
	Join2Many = "2many"
)

// JoinFetch is a recursive data-shape directive instructing the builder to
// attach related rows to parents.
type JoinFetch struct {
	OtherTable string      `json:"otherTable"`
	ThisTable  string      `json:"thisTable,omitempty"`
	ThisField  string      `json:"thisField,omitempty"`
	OtherField string      `json:"otherField,omitempty"`
	Type       string      `json:"type"`
	Name       string      `json:"name,omitempty"`
	JoinSearch Predicate   `json:"-"`
	Joins      []JoinFetch `json:"joins,omitempty"`
	OrderBy    string      `json:"orderBy,omitempty"`
}

// jsonJoinFetch mirrors JoinFetch with a raw JoinSearch for decoding.
type jsonJoinFetch struct {
	OtherTable string          `json:"otherTable"`
	ThisTable  string          `json:"thisTable,omitempty"`
	ThisField  string          `json:"thisField,omitempty"`
	OtherField string          `json:"otherField,omitempty"`
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	JoinSearch json.RawMessage `json:"joinSearch,omitempty"`
	Joins      []jsonJoinFetch `json:"joins,omitempty"`
	OrderBy    string          `json:"orderBy,omitempty"`
}

// UnmarshalJSON decodes the wire form, parsing joinSearch into a predicate.
func (jf *JoinFetch) UnmarshalJSON(data []byte) error {
	var aux jsonJoinFetch
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	decoded, err := aux.toJoinFetch()
	if err != nil {
		return err
	}
	*jf = *decoded
	return nil
}

func (aux *jsonJoinFetch) toJoinFetch() (*JoinFetch, error) {
	jf := &JoinFetch{
		OtherTable: aux.OtherTable,
		ThisTable:  aux.ThisTable,
		ThisField:  aux.ThisField,
		OtherField: aux.OtherField,
		Type:       aux.Type,
		Name:       aux.Name,
		OrderBy:    aux.OrderBy,
	}
	if len(aux.JoinSearch) > 0 {
		p, err := ParsePredicate(aux.JoinSearch)
		if err != nil {
			return nil, fmt.Errorf("joinSearch: %w", err)
		}
		jf.JoinSearch = p
	}
	for i := range aux.Joins {
		child, err := aux.Joins[i].toJoinFetch()
		if err != nil {
			return nil, err
		}
		jf.Joins = append(jf.Joins, *child)
	}
	return jf, nil
}

// resolveJoin determines the join columns between parent and jf.OtherTable.
// With neither side given, FK metadata is consulted: parent→other first,
// then the reverse; no FK at all is an error. Giving only one side is an
// error as well.
func resolveJoin(parent *schema.Table, jf *JoinFetch, s schema.Schema) (thisField, otherField string, err error) {
	if jf.ThisField != "" && jf.OtherField != "" {
		return jf.ThisField, jf.OtherField, nil
	}
	if jf.ThisField != "" || jf.OtherField != "" {
		return "", "", fmt.Errorf("join %s->%s: thisField and otherField must be given together", parent.Name, jf.OtherTable)
	}

	for _, fk := range parent.FKs {
		if fk.TargetTable == jf.OtherTable {
			return fk.Column, fk.TargetColumn, nil
		}
	}
	other := s.Table(jf.OtherTable)
	if other != nil {
		for _, fk := range other.FKs {
			if fk.TargetTable == parent.Name {
				return fk.TargetColumn, fk.Column, nil
			}
		}
	}
	return "", "", fmt.Errorf("join %s->%s: no foreign key relates the tables", parent.Name, jf.OtherTable)
}
