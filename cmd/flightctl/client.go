package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/danmuck/flightctl/internal/auth"
	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/config"
	"github.com/danmuck/flightctl/internal/flight"
	"github.com/danmuck/flightctl/internal/inspect"
	"github.com/danmuck/flightctl/internal/server"
	"github.com/danmuck/flightctl/internal/valuepath"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var (
		rawPath    string
		rendererID int
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <element-id>",
		Short: "Inspect an element over the bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("element id: %w", err)
			}
			path, err := valuepath.Parse(rawPath)
			if err != nil {
				return err
			}
			cfg, err := opts.clientConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runInspect(ctx, cmd.OutOrStdout(), cfg, id, rendererID, path, watch)
		},
	}
	cmd.Flags().StringVarP(&rawPath, "path", "p", "", "fetch and print one value, e.g. props.items[0]")
	cmd.Flags().IntVar(&rendererID, "renderer", 1, "renderer that owns the element")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "poll and print every change")
	return cmd
}

func dialBridge(ctx context.Context, cfg config.ClientConfig) (*bridge.Socket, error) {
	header := http.Header{}
	auth.SetBearer(header, cfg.AuthToken)
	return bridge.Dial(ctx, cfg.URL, bridge.DialOptions{
		Config: cfg.Session(),
		Peer:   cfg.Peer,
		Header: header,
	})
}

func runInspect(ctx context.Context, out io.Writer, cfg config.ClientConfig, id, rendererID int, path valuepath.Path, watch bool) error {
	sock, err := dialBridge(ctx, cfg)
	if err != nil {
		return err
	}
	defer sock.Close()

	store := inspect.NewMapStore()
	store.Set(id, rendererID)
	updates := make(chan struct{}, 1)
	cache, err := inspect.New(inspect.Config{
		Bridge:       sock,
		Store:        store,
		Timeout:      cfg.RequestTimeout,
		PollInterval: cfg.PollInterval,
		Refresh: func(*inspect.Generation) {
			select {
			case updates <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return err
	}

	element := &inspect.Element{ID: id}
	if err := printInspected(ctx, out, cache, element, path); err != nil {
		return err
	}
	if !watch {
		return nil
	}

	poller := cache.StartElementUpdatesPolling(element)
	defer func() {
		poller.Abort()
		<-poller.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sock.Done():
			return bridge.ErrClosed
		case <-updates:
			if err := printInspected(ctx, out, cache, element, path); err != nil {
				return err
			}
		}
	}
}

func printInspected(ctx context.Context, out io.Writer, cache *inspect.Cache, element *inspect.Element, path valuepath.Path) error {
	if len(path) == 0 {
		el, err := cache.Await(ctx, element, nil)
		if err != nil {
			return err
		}
		return writeJSON(out, el)
	}
	el, err := cache.InspectPath(ctx, element, path)
	if err != nil {
		return err
	}
	section, ok := el.Section(fmt.Sprint(path[0]))
	if !ok {
		return fmt.Errorf("unknown section %v", path[0])
	}
	v, err := valuepath.Get(section, path[1:])
	if err != nil {
		return err
	}
	return writeJSON(out, v)
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "fetch <model>",
		Short: "Fetch and decode a flight model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.clientConfig()
			if err != nil {
				return err
			}
			query := url.Values{}
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("param %q is not key=value", p)
				}
				query.Add(k, v)
			}
			c, err := newHTTPClient(cfg)
			if err != nil {
				return err
			}
			target := "/flight/" + url.PathEscape(args[0])
			if len(query) > 0 {
				target += "?" + query.Encode()
			}
			v, err := c.do(commandContext(cmd), http.MethodGet, target, nil, nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "query parameter key=value, repeatable")
	return cmd
}

func newCallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <action-id> [json-args]",
		Short: "Call a server action with a JSON argument list",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.clientConfig()
			if err != nil {
				return err
			}
			var callArgs []any
			if len(args) == 2 {
				if err := sonic.UnmarshalString(args[1], &callArgs); err != nil {
					return fmt.Errorf("action arguments must be a JSON list: %w", err)
				}
			}
			ctx := commandContext(cmd)
			body, err := flight.EncodeReply(ctx, callArgs)
			if err != nil {
				return err
			}
			c, err := newHTTPClient(cfg)
			if err != nil {
				return err
			}
			v, err := c.do(ctx, http.MethodPost, "/actions", body, http.Header{server.ActionHeader: {args[0]}})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), v)
		},
	}
}

// httpClient talks to the plain HTTP routes of the server the bridge url
// points at.
type httpClient struct {
	base  string
	token string
	http  *http.Client
}

func newHTTPClient(cfg config.ClientConfig) (*httpClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/bridge")
	tlsCfg, err := cfg.Session().ClientTLSConfig(u.Host)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &httpClient{
		base:  strings.TrimSuffix(u.String(), "/"),
		token: cfg.AuthToken,
		http:  &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
	}, nil
}

// do sends the request and decodes a flight stream answer.
func (c *httpClient) do(ctx context.Context, method, target string, body []byte, header http.Header) (any, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	auth.SetBearer(req.Header, c.token)
	if body != nil {
		req.Header.Set("Content-Type", server.ContentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if sonic.Unmarshal(raw, &failure) == nil && failure.Error != "" {
			return nil, fmt.Errorf("%s %s: %d %s", method, target, resp.StatusCode, failure.Error)
		}
		return nil, fmt.Errorf("%s %s: %d", method, target, resp.StatusCode)
	}

	decoded := flight.NewResponse(flight.ResponseOptions{})
	if err := decoded.ProcessStream(ctx, resp.Body); err != nil {
		return nil, err
	}
	v, err := decoded.Root().Wait(ctx)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("target", target).Int("debug_rows", len(decoded.Debug())).Msg("flightctl: decoded stream")
	return v, nil
}
