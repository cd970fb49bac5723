package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mediagw/internal/config"
	"mediagw/internal/gateway"
	"mediagw/internal/httpapi"
	"mediagw/internal/services"
)

type serveFlags struct {
	configPath     string
	addr           string
	model          string
	device         string
	outputDir      string
	logLevel       string
	logFormat      string
	corsOrigins    string
	consulTags     string
	requestTimeout int64
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "mediagw",
		Short:         "HTTP gateway for media inference models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newServeCmd(stderr), newServicesCmd(), newStatusCmd(), newVersionCmd())
	return root
}

func newServeCmd(logOut io.Writer) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:     "serve <service>",
		Short:   "Run one service until interrupted",
		Example: "  mediagw serve whisper --model small\n  mediagw serve esrgan --config /etc/mediagw/esrgan.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := services.Lookup(args[0])
			if err != nil {
				return err
			}
			cfg, err := buildConfig(f, os.Getenv)
			if err != nil {
				return err
			}
			logger, err := newLogger(logOut, firstNonEmpty(cfg.LogLevel, "info"), f.logFormat)
			if err != nil {
				return err
			}
			httpapi.SetLogger(logger)
			if f.requestTimeout > 0 {
				httpapi.SetRequestTimeoutSeconds(f.requestTimeout)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			app, err := gateway.Assemble(ctx, def, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info().Str("service", def.Name).Str("addr", app.Config.Addr).
				Str("model", app.Config.Model).Str("version", version).Msg("starting")
			return app.Serve(ctx)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "Config file (.yaml, .yml, .json or .toml)")
	fl.StringVar(&f.addr, "addr", "", "HTTP listen address (default :<service port>)")
	fl.StringVar(&f.model, "model", "", "Model name or size")
	fl.StringVar(&f.device, "device", "", "Accelerator preference: auto, cuda or cpu")
	fl.StringVar(&f.outputDir, "output-dir", "", "Root directory for request scratch space")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fl.StringVar(&f.logFormat, "log-format", "auto", "Log format: auto, console or json")
	fl.StringVar(&f.corsOrigins, "cors-origins", "", "Comma separated allowed origins; enables CORS")
	fl.StringVar(&f.consulTags, "consul-tags", "", "Comma separated tags for consul registration")
	fl.Int64Var(&f.requestTimeout, "request-timeout", 0, "Per-request timeout in seconds (0 = none)")
	return cmd
}

// buildConfig layers the config file, then the environment, then flags.
func buildConfig(f serveFlags, getenv func(string) string) (config.Config, error) {
	var cfg config.Config
	if f.configPath != "" {
		c, err := config.Load(f.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	cfg, err := config.FromEnv(cfg, getenv)
	if err != nil {
		return cfg, err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Addr, f.addr)
	set(&cfg.Model, f.model)
	set(&cfg.Device, f.device)
	set(&cfg.OutputDir, f.outputDir)
	set(&cfg.LogLevel, f.logLevel)
	if origins := splitCSV(f.corsOrigins); len(origins) > 0 {
		cfg.CORS.Enabled = true
		cfg.CORS.Origins = origins
	}
	if tags := splitCSV(f.consulTags); len(tags) > 0 {
		cfg.Consul.Tags = tags
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func newServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the services this binary can run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPORT\tKIND\tDEFAULT MODEL")
			for _, d := range services.All() {
				kind := "tool"
				if d.Worker {
					kind = "worker"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", d.Name, d.Port, kind, firstNonEmpty(d.Model, "-"))
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
