package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	availability "github.com/hanpama/graphcache/internal/availability"
	compile "github.com/hanpama/graphcache/internal/compile"
	"github.com/hanpama/graphcache/internal/diag"
	diff "github.com/hanpama/graphcache/internal/diff"
	diskcache "github.com/hanpama/graphcache/internal/diskcache"
	"github.com/hanpama/graphcache/internal/gc"
	loop "github.com/hanpama/graphcache/internal/loop"
	"github.com/hanpama/graphcache/internal/notify"
	query "github.com/hanpama/graphcache/internal/query"
	querytracker "github.com/hanpama/graphcache/internal/querytracker"
	"github.com/hanpama/graphcache/internal/resolver"
	"github.com/hanpama/graphcache/internal/store"
)

func sortedNames(roots map[string]*query.Node) []string {
	names := make([]string, 0, len(roots))
	for name, root := range roots {
		if root != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (a *app) newDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Print the queries that fetch the data missing from the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			roots, err := a.loadQueries()
			if err != nil {
				return err
			}
			st, err := a.loadStore(nil)
			if err != nil {
				return err
			}
			tracker := querytracker.New()
			out := cmd.OutOrStdout()
			for _, name := range sortedNames(roots) {
				diffs, err := diff.Diff(roots[name], st, tracker, diff.WithDiagnostics(a.sink()))
				if err != nil {
					return fmt.Errorf("diff %s: %w", name, err)
				}
				if len(diffs) == 0 {
					fmt.Fprintf(out, "# %s: complete\n", name)
					continue
				}
				for _, q := range diffs {
					text, err := compile.Print(q)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, strings.TrimRight(text, "\n"))
				}
			}
			return nil
		},
	}
}

func (a *app) newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report whether the snapshot holds all the data of each query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			roots, err := a.loadQueries()
			if err != nil {
				return err
			}
			st, err := a.loadStore(nil)
			if err != nil {
				return err
			}
			for _, name := range sortedNames(roots) {
				state := "missing"
				if availability.IsAvailable(roots[name], st) {
					state = "available"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, state)
			}
			return nil
		},
	}
}

func (a *app) newReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Print the results of the queries read from the snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			roots, err := a.loadQueries()
			if err != nil {
				return err
			}
			hub := notify.NewHub()
			st, err := a.loadStore(hub)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resolveRoots(st, hub, a.sink(), roots))
		},
	}
}

// resolveRoots resolves every root at the records its root calls map to.
// Batched roots resolve to a list.
func resolveRoots(st store.Reader, changes resolver.ChangeEmitter, sink diag.Sink, roots map[string]*query.Node) map[string]any {
	env := &resolver.Env{Store: st, Changes: changes, GC: gc.NewCounter(), Diag: sink}
	out := make(map[string]any, len(roots))
	for _, name := range sortedNames(roots) {
		root := roots[name]
		var values []any
		for _, arg := range root.RootCallArgs() {
			id, ok := st.DataID(root.StorageKey(), arg.Key)
			if !ok {
				values = append(values, nil)
				continue
			}
			r := resolver.New(env, nil)
			values = append(values, r.ResolveID(root, id))
			r.Dispose()
		}
		if root.IsBatched() {
			out[name] = values
		} else if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func (a *app) openCache(st *store.MemoryStore, l *loop.Loop) (*diskcache.Cache, error) {
	dir := a.v.GetString(cacheDirConf)
	if dir == "" {
		return nil, fmt.Errorf("--%s is required", cacheDirFlag)
	}
	cfg := diskcache.DefaultConfig(dir)
	cfg.Logger = a.logger
	return diskcache.Open(cfg, st, l, diskcache.WithDiagnostics(a.sink()))
}

func (a *app) newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the disk cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <snapshot.json>",
		Short: "Write the records of a snapshot into the disk cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openCache(store.NewMemoryStore(nil), loop.New())
			if err != nil {
				return err
			}
			defer c.Close()
			snap, err := readSnapshot(args[0])
			if err != nil {
				return err
			}
			if err := c.WriteSnapshot(snap); err != nil {
				return err
			}
			a.logger.Info("imported snapshot", zap.String("path", args[0]), zap.Int("records", len(snap.Records)))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records\n", len(snap.Records))
			return nil
		},
	}, &cobra.Command{
		Use:   "restore",
		Short: "Print the results of the queries restored from the disk cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			roots, err := a.loadQueries()
			if err != nil {
				return err
			}
			hub := notify.NewHub()
			st, err := a.loadStore(hub)
			if err != nil {
				return err
			}
			l := loop.New()
			c, err := a.openCache(st, l)
			if err != nil {
				return err
			}
			defer c.Close()

			var restoreErr error
			c.ReadFromDiskCache(roots, diskcache.Callbacks{
				OnFailure: func(err error) { restoreErr = err },
			})
			c.Wait()
			l.Drain()
			if restoreErr != nil {
				a.logger.Warn("restore incomplete", zap.Error(restoreErr))
			}
			return writeJSON(cmd.OutOrStdout(), resolveRoots(st, hub, a.sink(), roots))
		},
	})
	return cmd
}
