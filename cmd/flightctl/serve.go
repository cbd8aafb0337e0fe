package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/flightctl/internal/backend"
	"github.com/danmuck/flightctl/internal/config"
	"github.com/danmuck/flightctl/internal/moduleloader"
	"github.com/danmuck/flightctl/internal/observability"
	"github.com/danmuck/flightctl/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve flight models, server actions and the inspection bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			observability.InitLogger("flightctl", os.Stderr)
			cfg, err := opts.serviceConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			s := server.New(cfg)
			if err := registerBuiltins(s, cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return s.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// BuiltinElementID is the inspectable element describing the server itself.
const BuiltinElementID = 1

// registerBuiltins installs the models, actions and elements every server
// starts with.
func registerBuiltins(s *server.Server, cfg config.ServiceConfig) error {
	started := time.Now()
	if err := s.RegisterModel("status", func(context.Context, url.Values) (any, error) {
		return map[string]any{
			"name":     cfg.Name,
			"version":  server.Version,
			"started":  started,
			"modules":  s.Modules().List(),
			"sessions": s.Sessions(),
		}, nil
	}); err != nil {
		return err
	}

	if err := s.RegisterModule(cfg.ModuleRoot+"builtin", moduleloader.Module{
		"echo": moduleloader.Action(func(_ context.Context, args []any) (any, error) {
			return args, nil
		}),
		"now": moduleloader.Action(func(context.Context, []any) (any, error) {
			return time.Now().UTC(), nil
		}),
	}); err != nil {
		return err
	}

	s.UpsertElement(backend.Element{
		ID:          BuiltinElementID,
		RendererID:  1,
		DisplayName: "Server",
		Type:        "host",
		Props: map[string]any{
			"name":         cfg.Name,
			"addr":         cfg.Addr,
			"module_root":  cfg.ModuleRoot,
			"cors_origins": toAnySlice(cfg.CorsOrigins),
			"limits": map[string]any{
				"max_frame_bytes": cfg.MaxFrameBytes,
				"request_timeout": cfg.RequestTimeout.String(),
			},
		},
		State: map[string]any{"started": started.UTC().Format(time.RFC3339)},
		LoadHooks: func() (any, error) {
			return map[string]any{"sessions": toAnySlice(s.Sessions())}, nil
		},
	})
	log.Debug().Str("module", cfg.ModuleRoot+"builtin").Msg("flightctl: builtins registered")
	return nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
