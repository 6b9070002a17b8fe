package esbind

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Logic joins the children of a CompositeCondition.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition compiles to an Elasticsearch query clause.
type Condition interface {
	ToQuery() (map[string]any, error)
}

// CompositeCondition combines child conditions with and/or.
type CompositeCondition struct {
	Logic      Logic       `json:"l"`
	Conditions []Condition `json:"c"`
}

// KvCondition matches one field. Value is "op:value" or a bare value meaning equals, e.g.
// "gte:10", "starts_with:Ad", "Ada".
type KvCondition struct {
	Attr  string `json:"a"`
	Value string `json:"v"`
}

// ToQuery returns a bool query. An empty composite returns nil, which callers treat as
// match_all.
func (c *CompositeCondition) ToQuery() (map[string]any, error) {
	var occur string
	switch c.Logic {
	case LogicAnd, "":
		occur = "filter"
	case LogicOr:
		occur = "should"
	default:
		return nil, fmt.Errorf("unknown logic: %s", c.Logic)
	}

	clauses := make([]any, 0, len(c.Conditions))
	for _, cond := range c.Conditions {
		q, err := cond.ToQuery()
		if err != nil {
			return nil, err
		}
		if q == nil {
			continue
		}
		clauses = append(clauses, q)
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	boolQuery := map[string]any{occur: clauses}
	if occur == "should" {
		boolQuery["minimum_should_match"] = 1
	}
	return map[string]any{"bool": boolQuery}, nil
}

// ToQuery maps the operator onto term, range, prefix or wildcard. Documents store scalars
// as strings, so values are compared as written.
func (kv *KvCondition) ToQuery() (map[string]any, error) {
	if strings.TrimSpace(kv.Attr) == "" {
		return nil, fmt.Errorf("condition has no attribute")
	}
	op, value, err := kv.parseValueAndOp()
	if err != nil {
		return nil, err
	}

	switch op {
	case "equals":
		return map[string]any{"term": map[string]any{kv.Attr: value}}, nil
	case "not_equals":
		return map[string]any{"bool": map[string]any{
			"must_not": []any{map[string]any{"term": map[string]any{kv.Attr: value}}},
		}}, nil
	case "gt", "gte", "lt", "lte":
		return map[string]any{"range": map[string]any{kv.Attr: map[string]any{op: value}}}, nil
	case "starts_with":
		return map[string]any{"prefix": map[string]any{kv.Attr: value}}, nil
	case "contains":
		return map[string]any{"wildcard": map[string]any{kv.Attr: "*" + value + "*"}}, nil
	case "exists":
		return map[string]any{"exists": map[string]any{"field": kv.Attr}}, nil
	default:
		return nil, fmt.Errorf("unsupported operator: %s", op)
	}
}

// UnmarshalJSON decodes nested children into their concrete condition types.
func (c *CompositeCondition) UnmarshalJSON(data []byte) error {
	var alias struct {
		Logic      *Logic            `json:"l"`
		Conditions []json.RawMessage `json:"c"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	if alias.Logic == nil {
		return fmt.Errorf("composite condition missing logic")
	}
	switch *alias.Logic {
	case LogicAnd, LogicOr:
		c.Logic = *alias.Logic
	default:
		return fmt.Errorf("unknown logic: %s", *alias.Logic)
	}

	c.Conditions = nil
	for _, raw := range alias.Conditions {
		child, err := unmarshalCondition(raw)
		if err != nil {
			return err
		}
		c.Conditions = append(c.Conditions, child)
	}
	return nil
}

// UnmarshalJSON requires both short-hand keys.
func (kv *KvCondition) UnmarshalJSON(data []byte) error {
	var alias struct {
		Attr  string `json:"a"`
		Value string `json:"v"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	if alias.Attr == "" {
		return fmt.Errorf("kv condition missing attr 'a'")
	}
	if alias.Value == "" {
		return fmt.Errorf("kv condition missing value 'v'")
	}
	kv.Attr, kv.Value = alias.Attr, alias.Value
	return nil
}

func unmarshalCondition(data []byte) (Condition, error) {
	var discriminator struct {
		Logic *Logic  `json:"l"`
		Attr  *string `json:"a"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return nil, err
	}
	switch {
	case discriminator.Logic != nil:
		var composite CompositeCondition
		if err := json.Unmarshal(data, &composite); err != nil {
			return nil, err
		}
		return &composite, nil
	case discriminator.Attr != nil:
		var kv KvCondition
		if err := json.Unmarshal(data, &kv); err != nil {
			return nil, err
		}
		return &kv, nil
	}
	return nil, fmt.Errorf("invalid condition payload: expected 'l' or 'a'")
}

// Operator splits Value into its operator and operand.
func (kv *KvCondition) Operator() (op, value string, err error) {
	return kv.parseValueAndOp()
}

func (kv *KvCondition) parseValueAndOp() (op, value string, err error) {
	parts := strings.SplitN(kv.Value, ":", 2)
	if len(parts) == 1 {
		if kv.Value == "exists" {
			return "exists", "", nil
		}
		return "equals", kv.Value, nil
	}
	op, value = parts[0], parts[1]
	if op == "" || value == "" {
		return "", "", fmt.Errorf("invalid condition value format: %s", kv.Value)
	}
	return op, value, nil
}

// ParseConditions parses "attr=op:value" expressions into an and-composite.
func ParseConditions(exprs []string) (*CompositeCondition, error) {
	out := &CompositeCondition{Logic: LogicAnd}
	for _, expr := range exprs {
		attr, value, ok := strings.Cut(expr, "=")
		if !ok || strings.TrimSpace(attr) == "" {
			return nil, fmt.Errorf("invalid condition %q, expected attr=op:value", expr)
		}
		out.Conditions = append(out.Conditions, &KvCondition{Attr: strings.TrimSpace(attr), Value: value})
	}
	return out, nil
}

// ParseSort parses "field[:asc|desc]" entries into a sort clause. Missing values sort last.
func ParseSort(entries []string) ([]any, error) {
	sort := make([]any, 0, len(entries))
	for _, entry := range entries {
		field, order, _ := strings.Cut(entry, ":")
		if order == "" {
			order = "asc"
		}
		if order != "asc" && order != "desc" {
			return nil, fmt.Errorf("invalid sort order %q for %s", order, field)
		}
		if field == "" {
			return nil, fmt.Errorf("invalid sort entry %q", entry)
		}
		sort = append(sort, map[string]any{field: map[string]any{"order": order, "missing": "_last"}})
	}
	return sort, nil
}

// ParseIDs parses a comma separated id list.
func ParseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
