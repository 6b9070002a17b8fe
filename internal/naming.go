package internal

import (
	"strings"

	"github.com/google/uuid"
	"github.com/lychee-technology/esbind"
)

// bootstrapNamespace seeds the deterministic name of a type's first index so that concurrent
// initializers race on one index instead of each creating their own.
var bootstrapNamespace = uuid.MustParse("6f1d9a52-2c1e-4b7a-9d55-0f3c1e8b7a41")

// BaseName returns the lowercase index base name for spec: the module path segments and the
// type name joined with dashes, unless the type sets its own.
func BaseName(spec *esbind.TypeSpec) string {
	if spec.IndexBaseName != "" {
		return strings.ToLower(spec.IndexBaseName)
	}
	parts := strings.FieldsFunc(spec.Identity.Module, func(r rune) bool {
		return r == '/' || r == '.'
	})
	parts = append(parts, spec.Identity.Name)
	return strings.ToLower(strings.Join(parts, "-"))
}

// Identity derives the base name and both alias names for spec.
func Identity(spec *esbind.TypeSpec) esbind.IndexIdentity {
	base := BaseName(spec)
	read := spec.ReadAliasName
	if read == "" {
		read = base + "-" + postfixOr(spec.ReadAliasPostfix, esbind.DefaultReadAliasPostfix)
	}
	write := spec.WriteAliasName
	if write == "" {
		write = base + "-" + postfixOr(spec.WriteAliasPostfix, esbind.DefaultWriteAliasPostfix)
	}
	return esbind.IndexIdentity{BaseName: base, ReadAlias: read, WriteAlias: write}
}

func postfixOr(postfix, fallback string) string {
	if postfix == "" {
		return fallback
	}
	return postfix
}

// NewIndexName returns a fresh physical index name: base, a dash and 32 random hex chars.
func NewIndexName(base string) string {
	return base + "-" + hexUUID(uuid.New())
}

// BootstrapIndexName returns the physical index name used by Initialize. It is stable for
// a base name.
func BootstrapIndexName(base string) string {
	return base + "-" + hexUUID(uuid.NewSHA1(bootstrapNamespace, []byte(base)))
}

func hexUUID(u uuid.UUID) string {
	return strings.ReplaceAll(u.String(), "-", "")
}
