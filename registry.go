package esbind

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// TypeRegistry resolves tracked types once and hands out their TypeSpec.
type TypeRegistry struct {
	mu    sync.RWMutex
	specs map[TypeIdentity]*TypeSpec
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{specs: make(map[TypeIdentity]*TypeSpec)}
}

// Register resolves and validates t. Registering the same identity twice is an error.
func (r *TypeRegistry) Register(t TrackedType) (*TypeSpec, error) {
	spec, err := ResolveType(t)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Identity]; exists {
		return nil, NewError(ErrorTypeConfig, ErrCodeTypeAlreadyRegistered, "tracked type is already registered").
			WithType(spec.Name())
	}
	r.specs[spec.Identity] = spec
	return spec, nil
}

// Spec returns the resolved spec of a registered type.
func (r *TypeRegistry) Spec(t TrackedType) (*TypeSpec, error) {
	if t == nil {
		return nil, NewError(ErrorTypeConfig, ErrCodeInvalidType, "tracked type is nil")
	}
	id := t.Identity()
	r.mu.RLock()
	spec, ok := r.specs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, NewTypeNotRegisteredError(id.String())
	}
	return spec, nil
}

// ByName looks a spec up by "module.Name" or by bare name when it is unambiguous.
func (r *TypeRegistry) ByName(name string) (*TypeSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var match *TypeSpec
	for id, spec := range r.specs {
		if id.String() == name {
			return spec, nil
		}
		if strings.EqualFold(id.Name, name) {
			if match != nil {
				return nil, NewError(ErrorTypeConfig, ErrCodeInvalidType,
					fmt.Sprintf("type name %q is ambiguous, qualify it with its module", name))
			}
			match = spec
		}
	}
	if match == nil {
		return nil, NewTypeNotRegisteredError(name)
	}
	return match, nil
}

// List returns every registered spec sorted by identity.
func (r *TypeRegistry) List() []*TypeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]*TypeSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Identity.String() < specs[j].Identity.String()
	})
	return specs
}

// ResolveType reads the declarative surface of t into a TypeSpec and validates it.
func ResolveType(t TrackedType) (*TypeSpec, error) {
	if t == nil {
		return nil, NewError(ErrorTypeConfig, ErrCodeInvalidType, "tracked type is nil")
	}
	id := t.Identity()
	if strings.TrimSpace(id.Name) == "" {
		return nil, NewError(ErrorTypeConfig, ErrCodeInvalidType, "tracked type has no name")
	}

	spec := &TypeSpec{
		Type:              t,
		Identity:          id,
		CachedFields:      slices.Clone(t.CachedFields()),
		Resolvers:         slices.Clone(t.ExtraResolvers()),
		Mapping:           t.IndexMapping(),
		ReadAliasPostfix:  DefaultReadAliasPostfix,
		WriteAliasPostfix: DefaultWriteAliasPostfix,
	}

	if n, ok := t.(IndexNamer); ok {
		spec.IndexBaseName = strings.TrimSpace(n.IndexBaseName())
	}
	if p, ok := t.(AliasPostfixer); ok {
		if v := p.ReadAliasPostfix(); v != "" {
			spec.ReadAliasPostfix = v
		}
		if v := p.WriteAliasPostfix(); v != "" {
			spec.WriteAliasPostfix = v
		}
	}
	if a, ok := t.(AliasNamer); ok {
		spec.ReadAliasName = a.ReadAliasName()
		spec.WriteAliasName = a.WriteAliasName()
	}
	if c, ok := t.(CastOverrider); ok {
		spec.Cast = c.CastOverride
	}
	if tb, ok := t.(TableBinding); ok {
		spec.Table = tb.TableName()
		spec.KeyColumn = tb.KeyColumn()
	}
	if r, ok := t.(ReferenceLister); ok {
		spec.References = slices.Clone(r.ReferenceFields())
	}

	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func validateSpec(spec *TypeSpec) error {
	seen := make(map[string]struct{}, len(spec.CachedFields))
	for _, field := range spec.CachedFields {
		if strings.TrimSpace(field) == "" {
			return NewError(ErrorTypeConfig, ErrCodeInvalidType, "cached field name is empty").WithType(spec.Name())
		}
		if _, dup := seen[field]; dup {
			return NewError(ErrorTypeConfig, ErrCodeInvalidType, "cached field declared twice").
				WithType(spec.Name()).WithField(field)
		}
		seen[field] = struct{}{}
	}

	for _, ref := range spec.References {
		if _, ok := seen[ref]; !ok {
			return NewError(ErrorTypeConfig, ErrCodeInvalidType, "reference is not a cached field").
				WithType(spec.Name()).WithField(ref)
		}
	}

	if lister, ok := spec.Type.(AttributeLister); ok {
		attrs := lister.Attributes()
		for _, field := range spec.CachedFields {
			if !slices.Contains(attrs, field) {
				return NewEncodingError(ErrCodeFieldNotFound,
					fmt.Sprintf("cached field does not exist on the type; valid attributes: %v", attrs)).
					WithType(spec.Name()).WithField(field)
			}
		}
	}

	for _, res := range spec.Resolvers {
		if res == nil {
			return NewError(ErrorTypeConfig, ErrCodeInvalidType, "extra field resolver is nil").WithType(spec.Name())
		}
		name := res.FieldName()
		if name == "" {
			return NewResolverError(ErrCodeDuplicateResolver, "extra field resolver has no field name").WithType(spec.Name())
		}
		if _, dup := seen[name]; dup {
			return NewResolverError(ErrCodeDuplicateResolver, "extra field collides with another field").
				WithType(spec.Name()).WithField(name)
		}
		seen[name] = struct{}{}
	}

	if err := ValidateIndexMapping(spec.Mapping); err != nil {
		return NewError(ErrorTypeConfig, ErrCodeInvalidMapping, "invalid index mapping").
			WithType(spec.Name()).WithCause(err)
	}
	return nil
}
