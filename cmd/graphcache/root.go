package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	compile "github.com/hanpama/graphcache/internal/compile"
	"github.com/hanpama/graphcache/internal/diag"
	query "github.com/hanpama/graphcache/internal/query"
	"github.com/hanpama/graphcache/internal/store"
)

const (
	logFormatFlag = "log-format"
	logFormatConf = "log.format"
	logLevelFlag  = "log-level"
	logLevelConf  = "log.level"
	snapshotFlag  = "snapshot"
	queryFlag     = "query"
	variablesFlag = "variables"
	cacheDirFlag  = "cache-dir"
	cacheDirConf  = "cache.dir"
)

// app carries the configuration and logger shared by all commands.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
}

func (a *app) mustBindPFlag(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

// newRootCommand lets every command read its settings from CLI flags,
// GRAPHCACHE_ prefixed environment variables or graphcache.yaml, in that
// order.
func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetConfigName("graphcache")
	a.v.SetConfigType("yaml")
	a.v.SetEnvPrefix("GRAPHCACHE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	a.v.AutomaticEnv()
	for _, path := range []string{"$HOME/.graphcache", "."} {
		a.v.AddConfigPath(path)
	}

	root := &cobra.Command{
		Use:   "graphcache",
		Short: "Inspect and fill a normalized graph query cache",
		Long: `graphcache diffs queries against store snapshots, checks whether their data is
available, reads their results and fetches what is missing from a GraphQL endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String(logFormatFlag, "text", "log format: text or json")
	a.mustBindPFlag(logFormatConf, flags.Lookup(logFormatFlag))
	flags.String(logLevelFlag, "warn", "log level: debug, info, warn, error or none")
	a.mustBindPFlag(logLevelConf, flags.Lookup(logLevelFlag))
	flags.String(snapshotFlag, "", "JSON store snapshot to load")
	a.mustBindPFlag(snapshotFlag, flags.Lookup(snapshotFlag))
	flags.String(queryFlag, "", "file holding the GraphQL query document")
	a.mustBindPFlag(queryFlag, flags.Lookup(queryFlag))
	flags.String(variablesFlag, "", "query variables as a JSON object")
	a.mustBindPFlag(variablesFlag, flags.Lookup(variablesFlag))
	flags.String(cacheDirFlag, "", "directory of the disk cache")
	a.mustBindPFlag(cacheDirConf, flags.Lookup(cacheDirFlag))

	root.AddCommand(
		a.newDiffCommand(),
		a.newCheckCommand(),
		a.newReadCommand(),
		a.newCacheCommand(),
		a.newFetchCommand(),
	)
	return root
}

func (a *app) init() error {
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	logger, err := diag.NewLogger(a.v.GetString(logFormatConf), a.v.GetString(logLevelConf))
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *app) sink() diag.Sink { return diag.NewZapSink(a.logger) }

// loadQueries compiles the query document named by --query.
func (a *app) loadQueries() (map[string]*query.Node, error) {
	path := a.v.GetString(queryFlag)
	if path == "" {
		return nil, fmt.Errorf("--%s is required", queryFlag)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars, err := parseVariables(a.v.GetString(variablesFlag))
	if err != nil {
		return nil, err
	}
	roots, err := compile.Compile(string(src), vars)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	return roots, nil
}

// parseVariables decodes a JSON object of variables. Integral numbers
// become ints, the way literals in the document do.
func parseVariables(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(s), &vars); err != nil {
		return nil, fmt.Errorf("parse variables: %w", err)
	}
	for k, v := range vars {
		vars[k] = integral(v)
	}
	return vars, nil
}

func integral(v any) any {
	switch v := v.(type) {
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case []any:
		for i := range v {
			v[i] = integral(v[i])
		}
	case map[string]any:
		for k := range v {
			v[k] = integral(v[k])
		}
	}
	return v
}

// loadStore returns a store holding the snapshot named by --snapshot, if
// any. changes may be nil.
func (a *app) loadStore(changes store.Broadcaster) (*store.MemoryStore, error) {
	st := store.NewMemoryStore(changes)
	path := a.v.GetString(snapshotFlag)
	if path == "" {
		return st, nil
	}
	snap, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	st.Load(snap)
	a.logger.Debug("loaded snapshot", zap.String("path", path), zap.Int("records", len(snap.Records)))
	return st, nil
}

func readSnapshot(path string) (*store.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return store.DecodeSnapshot(data)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
