package main

import (
	"context"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/danmuck/flightctl/internal/config"
	"github.com/danmuck/flightctl/internal/logging"
	"github.com/spf13/cobra"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	url        string
	token      string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "flightctl",
		Short:         "Serve and inspect flight streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Name() != "serve" {
				logging.ConfigureRuntime()
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a flightctl toml config")
	root.PersistentFlags().StringVar(&opts.url, "url", "", "bridge url of a running server (client commands)")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "auth token (client commands)")

	root.AddCommand(
		newServeCmd(opts),
		newConfigCmd(opts),
		newInspectCmd(opts),
		newFetchCmd(opts),
		newCallCmd(opts),
	)
	return root
}

func (o *rootOptions) serviceConfig() (config.ServiceConfig, error) {
	if o.configPath == "" {
		cfg := config.DefaultServiceConfig()
		return cfg, config.ValidateServiceConfig(cfg)
	}
	return config.LoadServiceConfig(o.configPath)
}

// clientConfig loads the client config and applies --url and --token.
func (o *rootOptions) clientConfig() (config.ClientConfig, error) {
	cfg := config.DefaultClientConfig()
	if o.configPath != "" {
		loaded, err := config.LoadClientConfig(o.configPath)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg = loaded
	}
	if o.url != "" {
		cfg.URL = o.url
	}
	if o.token != "" {
		cfg.AuthToken = o.token
	}
	return cfg, config.ValidateClientConfig(cfg)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(out io.Writer, v any) error {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write, show and validate config files",
	}

	var kind, output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := output
			if target == "" {
				target = defaultConfigPath(kind)
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, target)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", config.KindServer, "config kind: server|client")
	initCmd.Flags().StringVarP(&output, "output", "o", "", "output path (defaults per kind)")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var showKind string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := renderConfig(opts, showKind)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	showCmd.Flags().StringVar(&showKind, "kind", config.KindServer, "config kind: server|client")

	var validateKind string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath == "" {
				return fmt.Errorf("validate needs --config")
			}
			if _, err := renderConfig(opts, validateKind); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", validateKind, opts.configPath)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&validateKind, "kind", config.KindServer, "config kind: server|client")

	cmd.AddCommand(initCmd, showCmd, validateCmd)
	return cmd
}

func renderConfig(opts *rootOptions, kind string) ([]byte, error) {
	switch kind {
	case config.KindServer:
		cfg, err := opts.serviceConfig()
		if err != nil {
			return nil, err
		}
		return config.Marshal(cfg)
	case config.KindClient:
		cfg, err := opts.clientConfig()
		if err != nil {
			return nil, err
		}
		return config.MarshalClient(cfg)
	default:
		return nil, fmt.Errorf("unknown config kind: %s", kind)
	}
}

func defaultConfigPath(kind string) string {
	if kind == config.KindClient {
		return "flightctl-client.toml"
	}
	return "flightctl.toml"
}
