package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"repsheet/internal/app/server"
	"repsheet/internal/app/version"
	"repsheet/internal/auth"
	"repsheet/internal/blacklist"
	"repsheet/internal/config"
	"repsheet/internal/database"
	"repsheet/internal/evidence"
	"repsheet/internal/filter"
	"repsheet/internal/geolite"
	"repsheet/internal/metrics"
	"repsheet/internal/reputation"
	"repsheet/internal/store"
)

const (
	defaultAdminPort = 8082
	defaultProxyPort = 8083

	geoLiteLeaderKey = "repsheet:leader:geolite"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	log.SetLevel(log.DebugLevel)

	adminPortFlag := flag.Int("admin-port", defaultAdminPort, "Port for the admin API")
	proxyPortFlag := flag.Int("proxy-port", defaultProxyPort, "Port for the filtering proxy")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	issueTokenFlag := flag.String("issue-token", "", "Print an admin token for the given subject and exit")
	tokenTTLFlag := flag.Duration("token-ttl", 12*time.Hour, "Lifetime of tokens printed by -issue-token")
	hashKeyFlag := flag.String("hash-api-key", "", "Print the ADMIN_API_KEY_HASH value for the given key and exit")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	if *productionFlag {
		log.SetLevel(log.InfoLevel)
	}

	if *issueTokenFlag != "" {
		token, err := auth.GenerateJWT(*issueTokenFlag, auth.RoleAdmin, *tokenTTLFlag)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	if *hashKeyFlag != "" {
		hash, err := auth.HashAPIKey(*hashKeyFlag)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	adminPort := resolvePort("ADMIN_PORT", *adminPortFlag)
	proxyPort := resolvePort("PROXY_PORT", *proxyPortFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := version.Get()
	log.Info("Starting repsheet", "version", info.Version, "built_at", info.BuiltAt)

	config.ReadSettings()
	cfg := config.GetConfig()

	conn, err := store.Connect(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.TimeoutMillis,
		store.WithDB(cfg.Redis.DB),
		store.WithPassword(os.Getenv("REDIS_PASSWORD")),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("error closing redis connection", "error", err)
		}
	}()

	if cfg.Redis.SyncConfig {
		stopSync := config.EnableRedisSynchronization(ctx, conn)
		defer stopSync()
		cfg = config.GetConfig()
	}

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	var storeOpts []reputation.Option
	var auditLog server.AuditLog
	if database.Enabled() {
		db, err := database.SetupDB()
		if err != nil {
			return fmt.Errorf("failed to set up database: %w", err)
		}
		defer func() {
			if err := database.Close(db); err != nil {
				log.Warn("error closing database", "error", err)
			}
		}()
		sink := database.NewAuditSink(db)
		storeOpts = append(storeOpts, reputation.WithAuditor(sink))
		auditLog = sink
	}

	rep := reputation.NewStore(conn, storeOpts...)
	ledger := evidence.NewLedger(conn)

	countries, err := setupGeoLite(ctx, conn, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := countries.Close(); err != nil {
			log.Warn("error closing geolite database", "error", err)
		}
	}()

	startFeedImport(ctx, conn, cfg)

	f := filter.New(rep, ledger, filter.FromSettings(cfg),
		filter.WithConfigSource(func() filter.Config { return filter.FromSettings(config.GetConfig()) }),
		filter.WithCountryLookup(countries),
		filter.WithMetrics(m),
	)

	proxy, err := server.NewProxy(cfg.Proxy.Upstream, f)
	if err != nil {
		return err
	}

	admin := server.New(server.Dependencies{
		Conn:       conn,
		Reputation: rep,
		Ledger:     ledger,
		Audit:      auditLog,
		Metrics:    m,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.ListenAndServe(groupCtx, "admin API", adminPort, 0, admin.Handler())
	})
	group.Go(func() error {
		return server.ListenAndServe(groupCtx, "proxy", proxyPort, cfg.Proxy.MaxConnections, proxy)
	})
	return group.Wait()
}

// startFeedImport keeps the configured blocklist feeds imported. Feed entries
// live for two refresh intervals and are not written to the audit log.
func startFeedImport(ctx context.Context, conn *store.Conn, cfg config.Config) {
	if len(cfg.Blacklist.Sources) == 0 {
		return
	}
	interval := cfg.Blacklist.RefreshInterval.Duration()
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	importer := &blacklist.Importer{
		Store:   reputation.NewStore(conn),
		Sources: cfg.Blacklist.Sources,
		TTL:     2 * interval,
	}
	go importer.StartRefreshRoutine(ctx, conn, interval)
}

// setupGeoLite opens the country database and starts its updater and Redis
// distribution when configured. With distribution on, only the instance
// holding the leader lease downloads updates. Without a database path the returned reader
// is nil, which knows no countries.
func setupGeoLite(ctx context.Context, conn *store.Conn, cfg config.Config) (*geolite.CountryReader, error) {
	path := cfg.GeoLite.CountryDBPath
	if path == "" {
		if cfg.Filter.CheckCountry {
			log.Warn("Country checks enabled but no GeoLite database configured")
		}
		return nil, nil
	}

	reader, err := geolite.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Warn("GeoLite database not found yet, waiting for update", "path", path)
		reader = &geolite.CountryReader{}
	}

	var distributor *geolite.Distributor
	if cfg.GeoLite.Distribute {
		distributor = geolite.NewDistributor(conn, path, reader)
		distributor.Enable(ctx)
	}

	if cfg.GeoLite.APIKey != "" {
		updater := &geolite.Updater{
			APIKey: cfg.GeoLite.APIKey,
			Path:   path,
			Reader: reader,
		}
		if distributor != nil {
			updater.Publish = distributor.Publish
		}
		run := func(runCtx context.Context) {
			if _, err := updater.Update(runCtx); err != nil {
				log.Error("Initial GeoLite update failed", "error", err)
			}
			updater.Run(runCtx, cfg.GeoLite.UpdateInterval.Duration())
		}
		go func() {
			if distributor == nil {
				run(ctx)
				return
			}
			if err := store.RunWithLeader(ctx, conn, geoLiteLeaderKey, 0, run); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("GeoLite updater stopped", "error", err)
			}
		}()
	}

	return reader, nil
}

func resolvePort(envKey string, fallback int) int {
	if port := readPort(envKey); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
