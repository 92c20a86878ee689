package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/asaidimu/go-sqlm/batch"
	"github.com/asaidimu/go-sqlm/core"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newExecCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <sql-file> [params-json]",
		Short: "Run a SQL statement directly",
		Long: `Runs the statement in <sql-file> ("-" reads stdin) without filters or
bindings. The optional second argument is a JSON array of positional
parameters; without it the statement runs in raw form.

Examples:
  sqlm exec schema.sql
  echo 'SELECT * FROM users WHERE id = ?' | sqlm exec - '[1]'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: a.command(func(cmd *cobra.Command, args []string) error {
			text, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}

			var params []any
			if len(args) == 2 {
				if params, err = decodeParams(args[1]); err != nil {
					return err
				}
			}

			result, err := core.Await(func(done core.Callback) error {
				return a.session.model.Exec(cmd.Context(), strings.TrimSpace(string(text)), params, done)
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		}),
	}
}

func newCallCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call <binding> [data-json]",
		Short: "Invoke a binding with a document",
		Long: `Filters the JSON object, builds the binding's positional parameters
from it and runs the binding's statement.

Examples:
  sqlm call read '{"username": "werle"}'
  sqlm call create '{"username": "werle", "password": "secret"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: a.command(func(cmd *cobra.Command, args []string) error {
			doc, err := documentArg(args)
			if err != nil {
				return err
			}
			result, err := core.Await(func(done core.Callback) error {
				return a.session.model.Invoke(cmd.Context(), args[0], doc, done)
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		}),
	}
}

func newParamsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "params <binding> [data-json]",
		Short: "Show the parameters a call would bind, without running it",
		Long: `Applies the registered filters to the JSON object and prints the SQL and
positional parameters the binding would hand to the database.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: a.command(func(cmd *cobra.Command, args []string) error {
			b, ok := a.session.model.Binding(args[0])
			if !ok {
				return fmt.Errorf("%w: %q", core.ErrUnknownBinding, args[0])
			}
			doc, err := documentArg(args)
			if err != nil {
				return err
			}
			if _, err := a.session.model.Filter(doc); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"sql":    b.SQL(),
				"params": b.BuildParameters(doc),
			})
		}),
	}
}

func newBindingsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bindings",
		Short: "List the bindings declared by the catalog",
		Args:  cobra.NoArgs,
		RunE: a.command(func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			names := a.session.model.Bindings()
			if len(names) == 0 {
				fmt.Fprintln(out, "No bindings declared")
				return nil
			}
			for _, name := range names {
				b, _ := a.session.model.Binding(name)
				fmt.Fprintf(out, "%s(%s)\n    %s\n", name, strings.Join(b.Fields(), ", "), b.SQL())
			}
			return nil
		}),
	}
}

// script is the document read by the run command.
type script struct {
	Calls []scriptCall `yaml:"calls"`
}

type scriptCall struct {
	Binding string         `yaml:"binding"`
	Data    map[string]any `yaml:"data"`
}

func newRunCommand(a *app) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "run <script.yaml>",
		Short: "Invoke a list of bindings in order",
		Long: `Runs every call in the script and stops at the first failure. Calls run
one at a time unless --concurrency (or batch.concurrency) allows more.
Results are printed as a JSON array in script order.

Script format:
  calls:
    - binding: create
      data: {username: werle, password: secret}
    - binding: read
      data: {username: werle}`,
		Args: cobra.ExactArgs(1),
		RunE: a.command(func(cmd *cobra.Command, args []string) error {
			raw, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}
			var s script
			dec := yaml.NewDecoder(bytes.NewReader(raw))
			dec.KnownFields(true)
			if err := dec.Decode(&s); err != nil && err != io.EOF {
				return fmt.Errorf("failed to parse script %s: %w", args[0], err)
			}

			n := a.cfg.Batch.Concurrency
			if cmd.Flags().Changed("concurrency") {
				n = concurrency
			}

			var mu sync.Mutex
			results := make([]any, len(s.Calls))
			b := batch.New(n, a.session.logger)
			for i, c := range s.Calls {
				i := i
				b.Push(batch.Invocation(a.session.model, c.Binding, core.Document(c.Data), func(result any) {
					mu.Lock()
					results[i] = result
					mu.Unlock()
				}))
			}

			runErr := b.Run(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return runErr
		}),
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Maximum calls in flight")
	return cmd
}

func documentArg(args []string) (core.Document, error) {
	if len(args) < 2 {
		return core.Document{}, nil
	}
	return decodeDocument(args[1])
}

// decodeDocument parses a JSON object. Integral numbers become int64 so they
// bind as integers rather than floats.
func decodeDocument(s string) (core.Document, error) {
	var raw map[string]any
	if err := decodeJSON(s, &raw); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	doc := make(core.Document, len(raw))
	for k, v := range raw {
		doc[k] = normalizeNumber(v)
	}
	return doc, nil
}

func decodeParams(s string) ([]any, error) {
	var raw []any
	if err := decodeJSON(s, &raw); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	params := make([]any, len(raw))
	for i, v := range raw {
		params[i] = normalizeNumber(v)
	}
	return params, nil
}

func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}

func normalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
