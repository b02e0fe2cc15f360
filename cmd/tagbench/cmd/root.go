// Package cmd implements the tagbench CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/tagfabric-go/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

type rootOptions struct {
	configPath   string
	outputFormat string
	logLevel     string
	fabric       string
}

// NewRootCmd builds the tagbench command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "tagbench",
		Short: "Tagged messaging bench for the loopback fabric",
		Long: `tagbench drives tagged sends and receives between endpoint pairs on the
in-process loopback fabric and verifies every payload.

Settings come from tagbench.yaml (or --config), TAGFABRIC_* environment
variables and command line flags, in increasing priority.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default: ./tagbench.yaml when present)")
	root.PersistentFlags().StringVarP(&opts.outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")
	root.PersistentFlags().StringVar(&opts.fabric, "fabric", "", "Fabric name to join")

	root.AddCommand(newInfoCmd(opts), newRunCmd(opts))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *rootOptions) load(overrides config.Options) (*config.Config, *zap.Logger, error) {
	switch o.outputFormat {
	case "table", "json", "yaml":
	default:
		return nil, nil, fmt.Errorf("unknown output format %q", o.outputFormat)
	}
	if overrides.Fabric == "" {
		overrides.Fabric = o.fabric
	}
	cfg, err := config.Load(o.configPath, overrides)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}

// writeStructured renders data as JSON or YAML. It reports false for table
// output, which each command renders itself.
func writeStructured(w io.Writer, format string, data any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	default:
		return false, nil
	}
}
