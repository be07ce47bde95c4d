package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tlslb/internal/balancer"
	"tlslb/internal/config"
	"tlslb/internal/ipdb"
	"tlslb/internal/logging"
	"tlslb/internal/proxy"
	"tlslb/internal/routing"
)

var (
	verboseFlag string
	showVersion bool
	Version     = "dev"
	Commit      = "none"
)

var rootCmd = &cobra.Command{
	Use:   "tlslb CONFIG_FILE",
	Short: "SNI routing TCP load balancer",
	Long: `tlslb reads the TLS ClientHello of every client connection, picks the
backend pool configured for its server name and splices the raw bytes to a
pre-established backend connection. TLS is never terminated.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			return nil
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&verboseFlag, "verbose", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("tlslb version: %s (%s)\n", Version, Commit)
		return nil
	}

	cfg, err := config.LoadConfig(args[0])
	if err != nil {
		return err
	}
	if verboseFlag != "" {
		if err := cfg.ApplyLogLevel(verboseFlag); err != nil {
			return fmt.Errorf("--verbose: %w", err)
		}
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging initialization failed: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting tlslb",
		zap.String("version", Version),
		zap.String("listen", cfg.Frontends.HTTPS.ListenAddress),
		zap.Int("domains", len(cfg.Backends)),
	)

	var db *ipdb.Database
	if cfg.IPDatabase != "" {
		var err error
		db, err = ipdb.LoadFile(cfg.IPDatabase)
		if err != nil {
			return fmt.Errorf("load ip database: %w", err)
		}
		logger.Info("ip database loaded", zap.Int("routes", db.Len()))
	}

	for domain, b := range cfg.Backends {
		if b.TerminateTLSOnError != nil && *b.TerminateTLSOnError {
			logger.Warn("terminate_tls_on_error is not supported and will be ignored",
				zap.String("domain", domain),
			)
		}
	}

	routes, err := routing.Build(ctx, cfg, net.DefaultResolver, logger)
	if err != nil {
		return err
	}
	defer routes.Close()

	ln, err := net.Listen("tcp", cfg.Frontends.HTTPS.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	handler := proxy.NewHandler(routes, proxy.Options{
		HandshakeTimeout: cfg.Timeouts.Handshake,
		ConnectTimeout:   cfg.Timeouts.Connect,
		IdleTimeout:      cfg.Timeouts.Idle,
		IPDatabase:       db,
		Logger:           logger,
	})
	lb := balancer.NewLoadBalancer(ln, handler, logger)
	logger.Info("listening", zap.Stringer("address", lb.Addr()))

	if err := lb.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutting down")
	return nil
}
