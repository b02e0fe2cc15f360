package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	fi "github.com/rocketbitz/tagfabric-go/fi"
	"github.com/rocketbitz/tagfabric-go/internal/config"
)

type infoView struct {
	Provider   string `json:"provider" yaml:"provider"`
	Version    string `json:"version" yaml:"version"`
	Fabric     string `json:"fabric" yaml:"fabric"`
	Domain     string `json:"domain" yaml:"domain"`
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	Tagged     bool   `json:"tagged" yaml:"tagged"`
	InjectSize uint64 `json:"inject_size" yaml:"inject_size"`
	EagerSize  uint64 `json:"eager_size" yaml:"eager_size"`
	MTU        uint64 `json:"mtu" yaml:"mtu"`
	MaxMsgSize uint64 `json:"max_msg_size" yaml:"max_msg_size"`
	MRMode     string `json:"mr_mode" yaml:"mr_mode"`
}

func newInfoCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the provider entries tagbench can use",
		Long: `Show the provider entries discovered for the configured fabric.

Examples:
  tagbench info
  tagbench info -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(config.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			infos, err := fi.Discover(fi.WithProvider(cfg.Provider), fi.WithFabric(cfg.Fabric))
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			views := make([]infoView, 0, len(infos))
			for _, info := range infos {
				views = append(views, infoView{
					Provider:   info.Provider,
					Version:    info.ProviderVersion.String(),
					Fabric:     info.Fabric,
					Domain:     info.Domain,
					Endpoint:   info.Endpoint.String(),
					Tagged:     info.SupportsTagged(),
					InjectSize: uint64(info.InjectSize),
					EagerSize:  uint64(info.EagerSize),
					MTU:        uint64(info.MTU),
					MaxMsgSize: info.MaxMsgSize,
					MRMode:     mrModeString(info),
				})
			}
			if done, err := writeStructured(cmd.OutOrStdout(), root.outputFormat, views); done {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tVERSION\tFABRIC\tDOMAIN\tENDPOINT\tINJECT\tEAGER\tMTU\tMR MODE")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					v.Provider, v.Version, v.Fabric, v.Domain, v.Endpoint, v.InjectSize, v.EagerSize, v.MTU, v.MRMode)
			}
			return w.Flush()
		},
	}
}

func mrModeString(info fi.Info) string {
	var modes []string
	if info.RequiresMRMode(fi.MRModeLocal) {
		modes = append(modes, "local")
	}
	if info.RequiresMRMode(fi.MRModeProvKey) {
		modes = append(modes, "prov_key")
	}
	if len(modes) == 0 {
		return "none"
	}
	return strings.Join(modes, "|")
}
