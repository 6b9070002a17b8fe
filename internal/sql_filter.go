package internal

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lychee-technology/esbind"
)

// sqlFilter compiles a condition tree into a parameterized WHERE fragment. Attributes must
// be columns of the type; values are always bound, never inlined.
type sqlFilter struct {
	columns []string
	args    []any
	next    int
}

// CompileSQLFilter turns cond into a boolean SQL expression over spec's table whose
// placeholders start at $2, as NewPostgresRecordSource expects. A nil or empty condition
// compiles to "".
func CompileSQLFilter(spec *esbind.TypeSpec, cond *esbind.CompositeCondition) (string, []any, error) {
	if cond == nil {
		return "", nil, nil
	}
	f := &sqlFilter{columns: filterColumns(spec), next: 2}
	expr, err := f.compile(cond)
	if err != nil {
		return "", nil, esbind.NewError(esbind.ErrorTypeConfig, esbind.ErrCodeInvalidType,
			"invalid rebuild filter").WithType(spec.Name()).WithCause(err)
	}
	return expr, f.args, nil
}

// filterColumns lists the columns a filter may reference: the declared attributes, or the
// cached fields when the type declares none, plus the key column.
func filterColumns(spec *esbind.TypeSpec) []string {
	var cols []string
	if lister, ok := spec.Type.(esbind.AttributeLister); ok {
		cols = append(cols, lister.Attributes()...)
	} else {
		cols = append(cols, spec.CachedFields...)
	}
	key := spec.KeyColumn
	if key == "" {
		key = "id"
	}
	return append(cols, key)
}

func (f *sqlFilter) compile(cond esbind.Condition) (string, error) {
	switch c := cond.(type) {
	case *esbind.CompositeCondition:
		return f.composite(c)
	case *esbind.KvCondition:
		return f.kv(c)
	default:
		return "", fmt.Errorf("unsupported condition %T", cond)
	}
}

func (f *sqlFilter) composite(c *esbind.CompositeCondition) (string, error) {
	var joiner string
	switch c.Logic {
	case esbind.LogicAnd, "":
		joiner = " AND "
	case esbind.LogicOr:
		joiner = " OR "
	default:
		return "", fmt.Errorf("unknown logic: %s", c.Logic)
	}

	parts := make([]string, 0, len(c.Conditions))
	for _, child := range c.Conditions {
		expr, err := f.compile(child)
		if err != nil {
			return "", err
		}
		if expr != "" {
			parts = append(parts, expr)
		}
	}
	switch len(parts) {
	case 0:
		return "", nil
	case 1:
		return parts[0], nil
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func (f *sqlFilter) kv(kv *esbind.KvCondition) (string, error) {
	if !slices.Contains(f.columns, kv.Attr) {
		return "", fmt.Errorf("unknown column %q", kv.Attr)
	}
	col := sanitizeIdentifier(kv.Attr)
	op, value, err := kv.Operator()
	if err != nil {
		return "", err
	}

	switch op {
	case "exists":
		return col + " IS NOT NULL", nil
	case "equals":
		return col + " = " + f.bind(value), nil
	case "not_equals":
		return col + " IS DISTINCT FROM " + f.bind(value), nil
	case "gt":
		return col + " > " + f.bind(value), nil
	case "gte":
		return col + " >= " + f.bind(value), nil
	case "lt":
		return col + " < " + f.bind(value), nil
	case "lte":
		return col + " <= " + f.bind(value), nil
	case "starts_with":
		return col + "::text LIKE " + f.bind(escapeLike(value)+"%"), nil
	case "contains":
		return col + "::text LIKE " + f.bind("%"+escapeLike(value)+"%"), nil
	default:
		return "", fmt.Errorf("unsupported operator: %s", op)
	}
}

// bind appends value as the next positional argument. Strings go out in text format, so the
// server parses them with the column's own type.
func (f *sqlFilter) bind(value string) string {
	f.args = append(f.args, value)
	placeholder := fmt.Sprintf("$%d", f.next)
	f.next++
	return placeholder
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
