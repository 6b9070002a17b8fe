package esbind

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// TypesFile is the YAML document listing declaratively configured tracked types.
type TypesFile struct {
	Types []*TypeConfig `yaml:"types"`
}

// ExtraFieldConfig declares a SQL-computed extra field. Query must select (key, value) pairs
// and take the chunk's ids as $1, e.g.
//
//	SELECT author_id, count(*) FROM books WHERE author_id = ANY($1) GROUP BY author_id
type ExtraFieldConfig struct {
	Name  string `yaml:"name"`
	Query string `yaml:"query"`
}

// TypeConfig is a TrackedType described by configuration instead of code.
type TypeConfig struct {
	Module       string             `yaml:"module"`
	Name         string             `yaml:"name"`
	Table        string             `yaml:"table"`
	Key          string             `yaml:"key"`
	Fields       []string           `yaml:"fields"`
	Columns      []string           `yaml:"columns,omitempty"`
	References   []string           `yaml:"references,omitempty"`
	ExtraFields  []ExtraFieldConfig `yaml:"extra_fields,omitempty"`
	IndexName    string             `yaml:"index_name,omitempty"`
	ReadPostfix  string             `yaml:"read_postfix,omitempty"`
	WritePostfix string             `yaml:"write_postfix,omitempty"`
	ReadAlias    string             `yaml:"read_alias,omitempty"`
	WriteAlias   string             `yaml:"write_alias,omitempty"`
	RoundFloats  bool               `yaml:"round_floats,omitempty"`
	Mapping      map[string]any     `yaml:"mapping,omitempty"`

	resolvers []ExtraFieldResolver
}

// LoadTypesFile reads a YAML types file.
func LoadTypesFile(path string) (*TypesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read types file %s: %w", path, err)
	}
	return ParseTypesFile(data)
}

// ParseTypesFile parses a YAML types document.
func ParseTypesFile(data []byte) (*TypesFile, error) {
	var file TypesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse types file: %w", err)
	}
	for i, tc := range file.Types {
		if tc == nil || tc.Name == "" {
			return nil, fmt.Errorf("types[%d]: name is required", i)
		}
		if tc.Table == "" {
			tc.Table = tc.Name
		}
		if tc.Key == "" {
			tc.Key = "id"
		}
		tc.Mapping = normalizeYAML(tc.Mapping)
	}
	return &file, nil
}

// BindResolvers attaches the resolvers built for ExtraFields.
func (c *TypeConfig) BindResolvers(resolvers ...ExtraFieldResolver) {
	c.resolvers = append(c.resolvers, resolvers...)
}

func (c *TypeConfig) Identity() TypeIdentity {
	return TypeIdentity{Module: c.Module, Name: c.Name}
}

func (c *TypeConfig) CachedFields() []string { return c.Fields }

func (c *TypeConfig) ExtraResolvers() []ExtraFieldResolver { return c.resolvers }

func (c *TypeConfig) IndexMapping() map[string]any { return c.Mapping }

func (c *TypeConfig) IndexBaseName() string { return c.IndexName }

func (c *TypeConfig) ReadAliasPostfix() string { return c.ReadPostfix }

func (c *TypeConfig) WriteAliasPostfix() string { return c.WritePostfix }

func (c *TypeConfig) ReadAliasName() string { return c.ReadAlias }

func (c *TypeConfig) WriteAliasName() string { return c.WriteAlias }

func (c *TypeConfig) TableName() string { return c.Table }

func (c *TypeConfig) KeyColumn() string { return c.Key }

// ReferenceFields returns the foreign key columns indexed as record ids.
func (c *TypeConfig) ReferenceFields() []string { return c.References }

// Attributes returns the declared columns. Without columns, every cached field is trusted
// until encode time.
func (c *TypeConfig) Attributes() []string {
	if len(c.Columns) == 0 {
		return c.Fields
	}
	return c.Columns
}

// CastOverride rounds floats to integers when RoundFloats is set.
func (c *TypeConfig) CastOverride(value any) (any, bool) {
	if !c.RoundFloats {
		return nil, false
	}
	switch v := value.(type) {
	case float64:
		return int64(math.Round(v)), true
	case float32:
		return int64(math.Round(float64(v))), true
	}
	return nil, false
}

// normalizeYAML converts map[any]any nodes some YAML inputs produce into map[string]any.
func normalizeYAML(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAML(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAMLValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLValue(val)
		}
		return out
	default:
		return v
	}
}
