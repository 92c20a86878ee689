// Package cli implements the sqlm command-line interface.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/asaidimu/go-sqlm/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app carries the global flags and the session opened for a command.
type app struct {
	configPath  string
	driver      string
	dsn         string
	catalogPath string
	metrics     bool

	cfg     *config.Config
	session *session
}

// NewRootCommand builds the sqlm command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "sqlm",
		Short: "sqlm - named SQL bindings over positional parameters",
		Long: `sqlm maps named-field documents onto positional SQL parameters.

Bindings and field filters are declared in a YAML catalog and invoked by
name. Settings come from --config, SQLM_* environment variables and flags,
with flags taking precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return a.open(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to a config file (yaml, json or toml)")
	flags.StringVar(&a.driver, "driver", "", "Database driver: sqlite3, postgres or pgx")
	flags.StringVar(&a.dsn, "dsn", "", "Data source name for the driver")
	flags.StringVar(&a.catalogPath, "catalog", "", "Path to a binding catalog")
	flags.BoolVar(&a.metrics, "metrics", false, "Print call metrics to stderr on exit")

	root.AddCommand(
		newExecCommand(a),
		newCallCommand(a),
		newParamsCommand(a),
		newBindingsCommand(a),
		newRunCommand(a),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCommand().Execute()
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, config.EnvPrefix)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.Driver = a.driver
	}
	if flags.Changed("dsn") {
		cfg.DSN = a.dsn
	}
	if flags.Changed("catalog") {
		cfg.Catalog = a.catalogPath
	}
	a.cfg = cfg

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return err
	}
	a.session = s
	return nil
}

// command wraps a RunE so the session is released however fn returns.
func (a *app) command(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.shutdown(cmd)
		return fn(cmd, args)
	}
}

func (a *app) shutdown(cmd *cobra.Command) {
	if a.session == nil {
		return
	}
	if a.metrics {
		if err := a.session.collector.WriteText(cmd.ErrOrStderr()); err != nil {
			a.session.logger.Warn("Failed to write metrics", zap.Error(err))
		}
	}
	a.session.close()
	_ = a.session.logger.Sync()
	a.session = nil
}

// readSource returns the contents of path, or stdin when path is "-".
func readSource(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		buf, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return buf, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return buf, nil
}
