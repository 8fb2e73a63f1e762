// Package main wires the veil executable: the relay server and the
// out-of-band signing utility.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/veilhq/veil/internal/netguard"
	"github.com/veilhq/veil/pkg/config"
	"github.com/veilhq/veil/pkg/logging"
	"github.com/veilhq/veil/pkg/policy"
	"github.com/veilhq/veil/pkg/relay"
	"github.com/veilhq/veil/pkg/server"
	"github.com/veilhq/veil/pkg/signer"
	"github.com/veilhq/veil/pkg/telemetry"
)

const (
	serviceName              = "veil"
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "veil",
		Short: "Signed SSL media relay",
		Long: `veil relays externally hosted media over a trusted, encrypted origin.

Only URLs carrying a valid HMAC digest are fetched, targets resolving to
private address space are refused, and responses are streamed back with a
sanitized header set.

Example:
  veil --key s3cr3t --listen :8080
  veil sign http://example.com/a.png --base https://veil.example.com`,
		RunE:         runServe,
		SilenceUsage: true,
	}

	flags := rootCmd.Flags()
	flags.StringP("config", "c", "", "Path to configuration file (YAML)")
	flags.StringP("key", "k", "", "HMAC signing key (or VEIL_KEY)")
	flags.String("listen", "", "HTTP listen address")
	flags.Int64("max-size", 0, "Maximum content size in bytes")
	flags.Int("max-redirects", 0, "Maximum number of redirects to follow")
	flags.Int("timeout", 0, "Socket timeout in seconds")
	flags.Bool("allow-video", false, "Allow video content types")
	flags.Bool("allow-audio", false, "Allow audio content types")
	flags.Bool("block-private", true, "Block targets resolving to private networks")
	flags.Bool("metrics", false, "Expose Prometheus metrics at /metrics")
	flags.String("otlp-endpoint", "", "OTLP trace endpoint")
	flags.StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error)")
	flags.Bool("pretty", false, "Human-readable log output")

	rootCmd.AddCommand(newSignCmd())

	return rootCmd
}

// resolveConfig layers file, environment and changed flags, then validates.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("key") {
		cfg.Relay.Key, _ = flags.GetString("key")
	}
	if flags.Changed("listen") {
		cfg.Server.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("max-size") {
		cfg.Relay.MaxSize, _ = flags.GetInt64("max-size")
	}
	if flags.Changed("max-redirects") {
		cfg.Relay.MaxRedirects, _ = flags.GetInt("max-redirects")
	}
	if flags.Changed("timeout") {
		cfg.Relay.Timeout, _ = flags.GetInt("timeout")
	}
	if flags.Changed("allow-video") {
		cfg.Policy.AllowVideo, _ = flags.GetBool("allow-video")
	}
	if flags.Changed("allow-audio") {
		cfg.Policy.AllowAudio, _ = flags.GetBool("allow-audio")
	}
	if flags.Changed("block-private") {
		cfg.Relay.BlockPrivate, _ = flags.GetBool("block-private")
	}
	if flags.Changed("metrics") {
		cfg.Telemetry.Metrics, _ = flags.GetBool("metrics")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("pretty") {
		cfg.Logging.Pretty, _ = flags.GetBool("pretty")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	return run(ctx, cfg, logger)
}

// run orchestrates the server lifecycle.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Environment: os.Getenv("VEIL_ENVIRONMENT"),
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer shutdownTelemetry(telemetryShutdown, logger)

	guard := netguard.New(cfg.Relay.BlockPrivate)
	fetcher := relay.NewHTTPFetcher(relay.HTTPFetcherConfig{
		Guard:        guard,
		Timeout:      cfg.Relay.SocketTimeout(),
		MaxRedirects: cfg.Relay.MaxRedirects,
	})
	types := policy.New(cfg.Policy.AllowVideo, cfg.Policy.AllowAudio)

	srv := server.New(server.Options{
		Key:           cfg.Relay.Key,
		Relay:         relay.New(fetcher, types, cfg.Relay.MaxSize),
		Metrics:       telemetry.NewMetrics(),
		Logger:        logger,
		ExposeMetrics: cfg.Telemetry.Metrics,
	})

	// No write timeout: a relayed stream may legitimately run for the full
	// socket timeout, which the fetch context already enforces.
	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           otelhttp.NewHandler(srv.Handler(), "veil.relay"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("veil listening")

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown error")
	}

	return nil
}

func shutdownTelemetry(shutdown func(context.Context) error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("telemetry shutdown error")
	}
}

func newSignCmd() *cobra.Command {
	signCmd := &cobra.Command{
		Use:   "sign <url>",
		Short: "Generate a signed relay URL",
		Args:  cobra.ExactArgs(1),
		RunE:  runSign,
	}

	signCmd.Flags().String("base", "", "Relay base URL; when set, prints the fully qualified URL")
	signCmd.Flags().Bool("base64", false, "Use base64 encoding instead of hex")
	signCmd.Flags().StringP("key", "k", "", "HMAC signing key (or VEIL_KEY)")

	return signCmd
}

func runSign(cmd *cobra.Command, args []string) error {
	key, err := cmd.Flags().GetString("key")
	if err != nil {
		return err
	}
	if key == "" {
		key = os.Getenv("VEIL_KEY")
	}
	if key == "" {
		return fmt.Errorf("signing key is required (--key or VEIL_KEY)")
	}

	enc := signer.EncodingHex
	if useBase64, _ := cmd.Flags().GetBool("base64"); useBase64 {
		enc = signer.EncodingBase64
	}

	signed := signer.Sign(key, args[0], enc)

	base, _ := cmd.Flags().GetString("base")
	out := cmd.OutOrStdout()
	if base == "" {
		fmt.Fprintf(out, "Digest: %s\n", signed.Digest)
		fmt.Fprintf(out, "Encoded URL: %s\n", signed.EncodedURL)
		fmt.Fprintf(out, "Path: %s\n", signed.Path())
		return nil
	}
	fmt.Fprintln(out, signed.URL(base))
	return nil
}
