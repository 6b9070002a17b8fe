package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lychee-technology/esbind"
	"github.com/lychee-technology/esbind/factory"
	"github.com/lychee-technology/esbind/internal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func registerCommands(root *cobra.Command, opts *cliOptions) {
	root.AddCommand(
		newTypesCmd(opts),
		newInitCmd(opts),
		newStateCmd(opts),
		newRebuildCmd(opts),
		newSyncCmd(opts),
		newSearchCmd(opts),
		newFetchCmd(opts),
		newDeleteIndexCmd(opts),
		newBindAliasCmd(opts),
		newChangelogCmd(opts),
	)
}

// newTypesCmd validates the types file without connecting anywhere.
func newTypesCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "Validate the types file and print the derived index names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.typesFile == "" {
				return errors.New("--types (or TYPES_FILE) is required")
			}
			types, err := factory.LoadTrackedTypes(opts.typesFile)
			if err != nil {
				return err
			}
			registry := esbind.NewTypeRegistry()
			out := make([]map[string]any, 0, len(types))
			for _, t := range types {
				spec, err := registry.Register(t)
				if err != nil {
					return err
				}
				out = append(out, map[string]any{
					"type":     spec.Name(),
					"table":    spec.Table,
					"fields":   spec.CachedFields,
					"identity": internal.Identity(spec),
				})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newInitCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init TYPE",
		Short: "Create the first index of a type and bind both aliases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *factory.Runtime) error {
				spec, err := lookupType(rt, args[0])
				if err != nil {
					return err
				}
				if err := rt.Binder.Initialize(ctx, spec.Type); err != nil {
					return err
				}
				status, err := rt.Binder.State(ctx, spec.Type)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newStateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state TYPE",
		Short: "Show the alias bindings and lifecycle state of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *factory.Runtime) error {
				spec, err := lookupType(rt, args[0])
				if err != nil {
					return err
				}
				status, err := rt.Binder.State(ctx, spec.Type)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newRebuildCmd(opts *cliOptions) *cobra.Command {
	var (
		chunkSize int
		keepOld   bool
		where     string
		whereArgs []string
	)
	cmd := &cobra.Command{
		Use:   "rebuild TYPE",
		Short: "Reindex a type into a fresh index and cut the aliases over",
		Long: `Streams the type's table into a new index through the write alias and moves the
read alias once every chunk is indexed. The previous index is deleted unless --keep-old is set.

--where restricts the rows with a SQL condition whose placeholders start at $2; pass
their values with --arg.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *factory.Runtime) error {
				spec, err := lookupType(rt, args[0])
				if err != nil {
					return err
				}
				sqlArgs := make([]any, len(whereArgs))
				for i, a := range whereArgs {
					sqlArgs[i] = a
				}
				source := factory.NewRecordSource(rt.Pool, spec, where, sqlArgs...)

				result, err := rt.Binder.Rebuild(ctx, spec.Type, source, esbind.RebuildOptions{
					ChunkSize:    chunkSize,
					KeepOldIndex: keepOld || rt.Config.Sync.KeepOldIndex,
				})
				if result != nil {
					if printErr := printJSON(cmd.OutOrStdout(), result); printErr != nil {
						return printErr
					}
				}
				if err != nil && result != nil {
					zap.S().Warnw("rebuild cut over but cleanup failed", "type", spec.Name(), "error", err)
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Records per bulk request (default from SYNC_CHUNK_SIZE)")
	cmd.Flags().BoolVar(&keepOld, "keep-old", false, "Keep the previous index after cutover")
	cmd.Flags().StringVar(&where, "where", "", "SQL condition restricting the rebuilt rows")
	cmd.Flags().StringArrayVar(&whereArgs, "arg", nil, "Value for a --where placeholder, in order")
	return cmd
}

func newSyncCmd(opts *cliOptions) *cobra.Command {
	var (
		ids  string
		mode string
	)
	cmd := &cobra.Command{
		Use:   "sync TYPE",
		Short: "Upsert or delete documents for the given record ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syncMode, err := esbind.ParseSyncMode(mode)
			if err != nil {
				return err
			}
			idList, err := esbind.ParseIDs(ids)
			if err != nil {
				return err
			}
			if len(idList) == 0 {
				return errors.New("--ids is required")
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *factory.Runtime) error {
				spec, err := lookupType(rt, args[0])
				if err != nil {
					return err
				}
				result, err := rt.Binder.BulkSync(ctx, spec.Type, idList, syncMode)
				var partial *esbind.BulkPartialFailure
				if errors.As(err, &partial) {
					printJSON(cmd.OutOrStdout(), partial.Failures)
					return err
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&ids, "ids", "", "Comma separated record ids")
	cmd.Flags().StringVar(&mode, "mode", string(esbind.SyncModeUpsert), "upsert or delete")
	return cmd
}

func newSearchCmd(opts *cliOptions) *cobra.Command {
	var (
		where     []string
		filter    string
		sort      []string
		size      int
		from      int
		documents bool
	)
	cmd := &cobra.Command{
		Use:   "search TYPE",
		Short: "Search the read alias and print matching record ids",
		Long: `Builds a query from --where expressions (attr=op:value, ops: equals, not_equals,
gt, gte, lt, lte, starts_with, contains, exists) or from a JSON condition tree given with
--filter, e.g. {"l":"or","c":[{"a":"name","v":"Ada"},{"a":"rank","v":"gte:3"}]}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildSearchRequest(where, filter, sort, size, from)
			if err != nil {
				return err
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *factory.Runtime) error {
				spec, err := lookupType(rt, args[0])
				if err != nil {
					return err
				}
				ids, err := rt.Binder.Search(ctx, spec.Type, req)
				if err != nil {
					return err
				}
				if !documents {
					return printJSON(cmd.OutOrStdout(), ids)
				}
				docs, err := rt.Binder.FetchDocuments(ctx, spec.Type, ids, true)
				if err != nil {
					return err
				}
				ordered := make([]map[string]any, 0, len(ids))
				for _, id := range ids {
					if doc, ok := docs[id]; ok {
						ordered = append(ordered, doc)
					}
				}
				return printJSON(cmd.OutOrStdout(), ordered)
			})
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "Condition attr=op:value (repeatable, and-ed)")
	cmd.Flags().StringVar(&filter, "filter", "", "JSON condition tree")
	cmd.Flags().StringArrayVar(&sort, "sort", nil, "Sort field[:asc|desc] (repeatable)")
	cmd.Flags().IntVar(&size, "size", 20, "Maximum hits")
	cmd.Flags().IntVar(&from, "from", 0, "Hits to skip")
	cmd.Flags().BoolVar(&documents, "documents", false, "Print the stored documents instead of ids")
	return cmd
}

// buildSearchRequest combines --where and --filter into one query.
func buildSearchRequest(where []string, filter string, sort []string, size, from int) (esbind.SearchRequest, error) {
	if len(where) > 0 && filter != "" {
		return esbind.SearchRequest{}, errors.New("--where and --filter are mutually exclusive")
	}

	var condition esbind.Condition
	if filter != "" {
		var composite esbind.CompositeCondition
		if err := json.Unmarshal([]byte(filter), &composite); err != nil {
			return esbind.SearchRequest{}, fmt.Errorf("invalid --filter: %w", err)
		}
		condition = &composite
	} else {
		composite, err := esbind.ParseConditions(where)
		if err != nil {
			return esbind.SearchRequest{}, err
		}
		condition = composite
	}

	query, err := condition.ToQuery()
	if err != nil {
		return esbind.SearchRequest{}, err
	}
	sortClause, err := esbind.ParseSort(sort)
	if err != nil {
		return esbind.SearchRequest{}, err
	}
	if size < 0 || from < 0 {
		return esbind.SearchRequest{}, errors.New("--size and --from must not be negative")
	}
	return esbind.SearchRequest{Query: query, Sort: sortClause, Size: size, From: from}, nil
}

func newFetchCmd(opts *cliOptions) *cobra.Command {
	var (
		ids string
		raw bool
	)
	cmd := &cobra.Command{
		Use:   "fetch TYPE",
		Short: "Print the indexed documents for the given ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idList, err := esbind.ParseIDs(ids)
			if err != nil {
				return err
			}
			if len(idList) == 0 {
				return errors.New("--ids is required")
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *factory.Runtime) error {
				spec, err := lookupType(rt, args[0])
				if err != nil {
					return err
				}
				docs, err := rt.Binder.FetchDocuments(ctx, spec.Type, idList, !raw)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), docs)
			})
		},
	}
	cmd.Flags().StringVar(&ids, "ids", "", "Comma separated record ids")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print full hits instead of stored fields")
	return cmd
}

func newDeleteIndexCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-index INDEX",
		Short: "Delete a physical index, e.g. one kept by rebuild --keep-old",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *factory.Runtime) error {
				if err := rt.Binder.DeleteIndex(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newBindAliasCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bind-alias INDEX ALIAS",
		Short: "Point an alias at exactly one index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *factory.Runtime) error {
				if err := rt.Binder.BindAlias(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[1], args[0])
				return nil
			})
		},
	}
}
