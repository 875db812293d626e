package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/browserflow/internal/browser"
	"github.com/polzovatel/browserflow/internal/config"
	"github.com/polzovatel/browserflow/internal/llm"
	"github.com/polzovatel/browserflow/internal/node"
)

var flagVerbose bool

var rootCmd = &cobra.Command{
	Use:   "browserflow",
	Short: "browserflow - browser automation nodes for workflow engines",
	Long: `browserflow drives a Chromium browser over the DevTools protocol and exposes
it as workflow nodes.

Examples:
  browserflow nodes                                  # Describe available nodes
  browserflow run browser --set operation=navigate --set url=https://example.com
  browserflow run browser --params job.yaml --stdin  # Items as JSON on stdin
  browserflow serve                                  # HTTP host on BROWSERFLOW_ADDR`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if flagVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(nodesCmd, runCmd, serveCmd)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("browserflow")
		os.Exit(1)
	}
}

// app holds what the commands share: the node registry and the browser
// launcher behind it.
type app struct {
	cfg      config.Config
	registry *node.Registry
	conn     *lazyConnector
}

func newApp() (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn := &lazyConnector{
		opts: browser.Options{
			Headless:      cfg.Headless,
			NavTimeout:    cfg.NavTimeout,
			ActionTimeout: cfg.ActionTimeout,
		},
		logger: log.With().Str("comp", "browser").Logger(),
	}

	var model llm.Client
	if cfg.ModelKey() != "" {
		c, err := llm.New(llm.Options{
			Provider: cfg.LLMProvider,
			APIKey:   cfg.ModelKey(),
			Model:    cfg.Model(),
			BaseURL:  cfg.LLMBaseURL,
		}, log.With().Str("comp", "llm").Logger())
		if err != nil {
			return nil, err
		}
		model = c
	} else {
		log.Warn().Str("provider", cfg.LLMProvider).Msg("no model api key, only navigate and screenshot are available")
	}

	nodeLog := log.With().Str("comp", "node").Logger()
	registry, err := node.NewRegistry(
		node.NewBrowser(conn, model, node.BrowserOptions{CDPURL: cfg.CDPURL, MaxSteps: cfg.MaxSteps}, nodeLog),
		node.NewAccessibilityTree(conn, cfg.CDPURL, nodeLog),
	)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, registry: registry, conn: conn}, nil
}

func (a *app) Close() {
	if err := a.conn.Close(); err != nil {
		log.Warn().Err(err).Msg("stop playwright")
	}
}

// lazyConnector starts playwright on the first connection so commands that
// never touch a browser do not pay for it.
type lazyConnector struct {
	opts   browser.Options
	logger zerolog.Logger

	mu       sync.Mutex
	launcher *browser.Launcher
}

func (c *lazyConnector) Connect(ctx context.Context, endpoint string) (browser.Controller, error) {
	c.mu.Lock()
	if c.launcher == nil {
		l, err := browser.NewLauncher(c.opts, c.logger)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.launcher = l
	}
	l := c.launcher
	c.mu.Unlock()
	return l.Connect(ctx, endpoint)
}

func (c *lazyConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.launcher == nil {
		return nil
	}
	err := c.launcher.Close()
	c.launcher = nil
	return err
}
