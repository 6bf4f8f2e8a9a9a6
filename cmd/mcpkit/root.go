package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/praxiomlabs/mcpkit-sub001"
	"github.com/praxiomlabs/mcpkit-sub001/config"
)

var (
	configFile string
	loader     *config.Loader
	cfg        *config.Config
	logger     *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "mcpkit",
		Short: "JSON-RPC tool server and client",
		Long: fmt.Sprintf(`mcpkit (v%s)

Serve demo tools or call methods over stdio, tcp, WebSocket or SSE.
Every setting can also be given as MCPKIT_<SECTION>_<KEY>, e.g.
MCPKIT_TIMEOUTS_CALL=10s, or in a .env file.`, mcpkit.Version),
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mcpkit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpkit v%s\n", mcpkit.Version)
		},
	}
)

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"transport":  "transport.kind",
	"listen":     "transport.listen",
	"endpoint":   "transport.endpoint",
	"token":      "auth.token",
	"secret":     "auth.secret",
	"jwks-url":   "auth.jwks_url",
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "configuration file (yaml, json or toml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("transport", "stdio", "transport (stdio, tcp, ws, sse)")
	flags.String("listen", "127.0.0.1:7070", "address the server listens on")
	flags.String("endpoint", "127.0.0.1:7070", "address or URL the client connects to")
	flags.String("token", "", "bearer token presented by the client")
	flags.String("secret", "", "HMAC secret the server validates tokens with")
	flags.String("jwks-url", "", "JWKS document the server validates tokens with")

	rootCmd.AddCommand(serveCmd, callCmd, configCmd, versionCmd)
}

// initConfig sets up the loader once flags are parsed.
func initConfig() {
	loader = config.NewLoader(configFile, ".env", ".env.local")
}

// loadConfig binds the flags that were set and loads the configuration.
func loadConfig(cmd *cobra.Command, _ []string) error {
	v := loader.Viper()
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return bindErr
	}

	var err error
	if cfg, err = loader.Load(); err != nil {
		return err
	}
	if logger, err = cfg.Logger(cmd.ErrOrStderr()); err != nil {
		return err
	}
	return nil
}
