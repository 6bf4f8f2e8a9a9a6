package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/praxiomlabs/mcpkit-sub001"
	"github.com/praxiomlabs/mcpkit-sub001/client"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
	"github.com/praxiomlabs/mcpkit-sub001/transport/sse"
	"github.com/praxiomlabs/mcpkit-sub001/transport/stdio"
	"github.com/praxiomlabs/mcpkit-sub001/transport/tcp"
	"github.com/praxiomlabs/mcpkit-sub001/transport/ws"
)

var callCmd = &cobra.Command{
	Use:   "call METHOD [PARAMS]",
	Short: "Call a method and print its result",
	Long: `Call a method on a server and print the JSON result.

PARAMS is a JSON value. With --task the method is started as a task, its
progress is printed to stderr and the final task is printed once it ends.
With the stdio transport the server is started as a child process from
--command.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().Bool("task", false, "start the method as a task and wait for it")
	callCmd.Flags().String("command", "mcpkit serve --transport stdio", "server command for the stdio transport")
}

// endpointURL completes a bare host:port for the HTTP based transports.
func endpointURL(kind, endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	scheme := "http"
	if kind == "ws" {
		scheme = "ws"
	}
	return scheme + "://" + endpoint + httpPath
}

func dialer(command string) (transport.Dialer, error) {
	endpoint := cfg.Transport.Endpoint
	switch cfg.Transport.Kind {
	case "stdio":
		fields := strings.Fields(command)
		if len(fields) == 0 {
			return nil, fmt.Errorf("--command is required for the stdio transport")
		}
		return transport.DialFunc(func(ctx context.Context) (transport.Transport, error) {
			p, err := stdio.Command(ctx, logger, fields[0], fields[1:]...)
			if err != nil {
				return nil, err
			}
			return p, nil
		}), nil
	case "tcp":
		return tcp.Dialer(endpoint, logger, cfg.StreamOptions(logger)...), nil
	case "ws":
		return ws.Dialer(endpointURL("ws", endpoint), logger), nil
	case "sse":
		return sse.Dialer(endpointURL("sse", endpoint), sse.WithClientLogger(logger)), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

func newClient(command string) (*client.Client, error) {
	d, err := dialer(command)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithInfo(mcpkit.Implementation("mcpkit-cli")),
		client.WithMiddleware(cfg.Middleware(logger, nil)...),
		client.WithConnectionOptions(cfg.ConnectionOptions()...),
		client.WithPoolOptions(cfg.PoolOptions(logger)...),
	}
	if cfg.Auth.Token != "" {
		opts = append(opts, client.WithToken(cfg.Auth.Token))
	}
	return client.NewPooled(d, opts...), nil
}

func runCall(cmd *cobra.Command, args []string) error {
	var params json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params are not valid JSON: %s", args[1])
		}
		params = json.RawMessage(args[1])
	}
	asTask, _ := cmd.Flags().GetBool("task")
	command, _ := cmd.Flags().GetString("command")

	c, err := newClient(command)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Close)
		defer cancel()
		_ = c.Close(closeCtx)
	}()

	if !asTask {
		var result json.RawMessage
		if err := c.Call(ctx, args[0], params, &result); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	}

	if _, ok, err := c.TaskSupport(ctx); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("server does not serve tasks")
	}
	c.OnProgress(func(p protocol.ProgressParams) {
		line := fmt.Sprintf("progress %g", p.Progress)
		if p.Total != nil {
			line += fmt.Sprintf("/%g", *p.Total)
		}
		if p.Message != "" {
			line += " " + p.Message
		}
		fmt.Fprintln(cmd.ErrOrStderr(), line)
	})
	info, err := c.CallTask(ctx, args[0], params)
	if err != nil {
		return err
	}
	logger.Debug("task started", "task", info.ID)
	final, err := c.AwaitTask(ctx, info.ID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), final)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
