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

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/streamhaus/crunchyd/internal/api"
	"github.com/streamhaus/crunchyd/internal/config"
	"github.com/streamhaus/crunchyd/internal/database"
	"github.com/streamhaus/crunchyd/internal/httpclient"
	"github.com/streamhaus/crunchyd/internal/logging"
	"github.com/streamhaus/crunchyd/internal/secrets"
	"github.com/streamhaus/crunchyd/internal/session"
	"github.com/streamhaus/crunchyd/internal/web"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI flags
var (
	port            int
	bind            string
	allowSubnet     string
	dbPath          string
	logLevel        string
	locale          string
	clientConfigURL string
	httpTimeout     time.Duration
)

// refreshMargin is how close to expiry the maintenance job lets the access
// token get before refreshing it preemptively.
const refreshMargin = 60 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "crunchyd",
		Short: "crunchyd - Crunchyroll streaming daemon",
		Long:  `crunchyd maintains an authenticated Crunchyroll session and exposes stream resolution, playback tracking and catalog browsing over a local control API.`,
		RunE:  run,
	}

	// Flags
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP server port (required, or set PORT env var)")
	rootCmd.Flags().StringVarP(&bind, "bind", "b", "", "IP address to bind to (e.g., 127.0.0.1, 0.0.0.0)")
	rootCmd.Flags().StringVarP(&allowSubnet, "allow-subnet", "a", "", "CIDR subnet allowed to connect (e.g., 192.168.1.0/24)")
	rootCmd.Flags().StringVarP(&dbPath, "db", "d", "./crunchyd.db", "SQLite database path (or set DB_PATH env var)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (info, debug, trace)")
	rootCmd.Flags().StringVar(&locale, "locale", "", "Content locale, e.g. en-US (defaults to the stored setting)")
	rootCmd.Flags().StringVar(&clientConfigURL, "client-config", "", "URL serving the API client credential sets")
	rootCmd.Flags().DurationVar(&httpTimeout, "http-timeout", 30*time.Second, "Timeout for HTTP requests to the streaming service")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crunchyd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Check for PORT env var if flag not set
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			if _, err := fmt.Sscanf(envPort, "%d", &port); err != nil {
				return fmt.Errorf("invalid PORT environment variable %q: %w", envPort, err)
			}
		}
	}

	// Check for DB_PATH env var if using default
	if dbPath == "./crunchyd.db" {
		if envDB := os.Getenv("DB_PATH"); envDB != "" {
			dbPath = envDB
		}
	}

	// Validate port
	if port == 0 {
		return fmt.Errorf("--port flag or PORT environment variable is required")
	}

	// Validate bind address if provided
	if bind != "" {
		if ip := net.ParseIP(bind); ip == nil {
			return fmt.Errorf("invalid bind address: %s", bind)
		}
	}

	// Validate and parse allow-subnet if provided
	var allowedNet *net.IPNet
	if allowSubnet != "" {
		_, parsedNet, err := net.ParseCIDR(allowSubnet)
		if err != nil {
			return fmt.Errorf("invalid allow-subnet CIDR: %s", allowSubnet)
		}
		allowedNet = parsedNet
	}

	// Console-only logging until the database is open
	logging.Apply(logLevel, nil, "")

	// Warn if binding to all interfaces without an allow list
	if (bind == "" || bind == "0.0.0.0" || bind == "::") && allowSubnet == "" {
		log.Warn().Msg("Server is accessible from all interfaces without subnet restrictions. Consider using --bind or --allow-subnet for security.")
	}

	log.Info().
		Str("version", version).
		Int("port", port).
		Str("bind", bind).
		Str("allow_subnet", allowSubnet).
		Str("database", dbPath).
		Msg("Starting crunchyd")

	// Initialize database
	db, err := database.New(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Re-apply logging with the rotating file next to the database
	loader := config.NewLoader(db)
	logging.Apply(logLevel, loader, logging.FilePathForDB(dbPath))

	// Open the vault that seals refresh tokens at rest
	vault, err := secrets.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open secrets vault")
	}

	// Setup graceful shutdown early so startup network calls are cancellable
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	// Fetch the rotating API client credentials
	httpClient := httpclient.NewTraceClient("api", httpTimeout)
	fetchCtx, fetchCancel := context.WithTimeout(ctx, httpTimeout)
	clientCfg, err := config.FetchClientConfig(fetchCtx, httpClient, clientConfigURL)
	fetchCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch client configuration")
	}

	// Device id is generated once and reused for the lifetime of the install
	deviceID, err := db.GetSetting("device_id")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read device id")
	}
	if deviceID == "" {
		deviceID, err = config.GenerateDeviceID()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate device id")
		}
		if err := db.SetSetting("device_id", deviceID); err != nil {
			log.Fatal().Err(err).Msg("Failed to store device id")
		}
		log.Info().Str("device_id", deviceID).Msg("Generated device id")
	}
	clientCfg.DeviceID = deviceID

	if locale == "" {
		locale = loader.String("locale", "en-US")
	}

	// API client with the challenge-solving cookie layer
	solver := api.NewChallengeSolver(http.DefaultTransport, clientCfg.UserAgent("device"))
	apiClient := api.NewClient(httpClient, solver)

	// Session manager; a stored session is picked up where it left off
	mgr := session.NewManager(apiClient, clientCfg, db, vault, locale)
	if err := mgr.Restore(ctx); err != nil {
		if !errors.Is(err, session.ErrNoSession) {
			log.Warn().Err(err).Msg("Failed to restore stored session")
		}
		// Hybrid fallback: stored credentials, if any, rebuild the session
		// without user interaction.
		switch err := mgr.LoginStored(ctx); {
		case err == nil:
			log.Info().Str("account_id", mgr.AccountID()).Msg("Session established from stored credentials")
		case errors.Is(err, session.ErrNoCredentials):
			log.Info().Msg("No stored session; pair a device or log in via the control API")
		default:
			log.Warn().Err(err).Msg("Stored credential login failed; pair a device or log in via the control API")
		}
	} else {
		log.Info().Str("account_id", mgr.AccountID()).Msg("Session restored")
	}

	// Preemptive token refresh keeps long playback sessions from hitting
	// expiry mid-stream.
	maintenance := cron.New()
	if _, err := maintenance.AddFunc("@every 30s", func() {
		if !mgr.Active() {
			return
		}
		refreshCtx, refreshCancel := context.WithTimeout(ctx, httpTimeout)
		defer refreshCancel()
		if err := mgr.RefreshIfExpiring(refreshCtx, refreshMargin); err != nil {
			log.Warn().Err(err).Msg("Preemptive token refresh failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule token maintenance")
	}
	maintenance.Start()
	defer maintenance.Stop()

	// Start server
	server := web.NewServer(db, mgr, apiClient, port, bind, allowedNet)
	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("crunchyd stopped")
	return nil
}
