package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/fairledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/fairledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/fairledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fairledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/fairledger/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/chain"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/deposit"
	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	envPrefix = "FAIRLEDGER"

	flagDatabaseURL    = "database-url"
	flagRedisAddr      = "redis-addr"
	flagRedisPassword  = "redis-password"
	flagRPCURL         = "rpc-url"
	flagRPCTimeout     = "rpc-timeout"
	flagTreasury       = "treasury"
	flagTokenContracts = "token-contracts"
	flagDepositTTL     = "deposit-ttl"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagJWTCookieName  = "jwt-cookie-name"

	defaultDatabaseURL = "sqlite:///tmp/fairledger.db"

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type runtimeConfig struct {
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RPCURL         string
	RPCTimeout     time.Duration
	Treasury       string
	TokenContracts string
	DepositTTL     time.Duration
	HTTP           httpapi.Config
}

// Validate rejects configurations the daemon cannot start with.
func (cfg *runtimeConfig) Validate() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return fmt.Errorf("rpc url is required")
	}
	if _, err := chain.ParseAddress(cfg.Treasury); err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	if _, err := chain.ParseTokenContracts(cfg.TokenContracts); err != nil {
		return fmt.Errorf("token contracts: %w", err)
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = chain.DefaultTimeout
	}
	if cfg.DepositTTL <= 0 {
		cfg.DepositTTL = deposit.DefaultTTL
	}
	return cfg.HTTP.Validate()
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fairledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "fairledgerd",
		Short:         "Provably fair game sessions and on-chain deposit settlement",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL or SQLite path")
	flags.String(flagRedisAddr, "", "Redis address for game sessions; sessions use the database when empty")
	flags.String(flagRedisPassword, "", "Redis password")
	flags.String(flagRPCURL, "", "EVM JSON-RPC endpoint")
	flags.Duration(flagRPCTimeout, chain.DefaultTimeout, "Receipt lookup timeout")
	flags.String(flagTreasury, "", "Treasury address deposits must be sent to")
	flags.String(flagTokenContracts, "", "Allow-listed tokens as SYMBOL=0xCONTRACT, comma separated")
	flags.Duration(flagDepositTTL, deposit.DefaultTTL, "How long a deposit waits for its transfer")
	flags.String(flagListenAddr, ":9090", "HTTP listen address")
	flags.String(flagAllowedOrigins, "http://localhost:8000", "Comma-separated CORS origins")
	flags.String(flagJWTSigningKey, "", "tauth session signing key")
	flags.String(flagJWTIssuer, "tauth", "tauth session issuer")
	flags.String(flagJWTCookieName, "app_session", "tauth session cookie name")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	// .env is optional.
	_ = godotenv.Load()

	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	// The conventional unprefixed DATABASE_URL is honoured too.
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	cfg.DatabaseURL = settings.GetString(flagDatabaseURL)
	cfg.RedisAddr = settings.GetString(flagRedisAddr)
	cfg.RedisPassword = settings.GetString(flagRedisPassword)
	cfg.RPCURL = settings.GetString(flagRPCURL)
	cfg.RPCTimeout = settings.GetDuration(flagRPCTimeout)
	cfg.Treasury = settings.GetString(flagTreasury)
	cfg.TokenContracts = settings.GetString(flagTokenContracts)
	cfg.DepositTTL = settings.GetDuration(flagDepositTTL)
	cfg.HTTP = httpapi.Config{
		ListenAddr:        settings.GetString(flagListenAddr),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		SessionSigningKey: settings.GetString(flagJWTSigningKey),
		SessionIssuer:     settings.GetString(flagJWTIssuer),
		SessionCookieName: settings.GetString(flagJWTCookieName),
	}
	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	depositStore, closeDepositStore, err := openDepositStore(ctx, cfg, gormDB, driver)
	if err != nil {
		return err
	}
	defer closeDepositStore()

	sessionStore, closeSessionStore, err := openSessionStore(ctx, cfg, gormDB)
	if err != nil {
		return err
	}
	defer closeSessionStore()

	verifier, closeVerifier, err := openVerifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeVerifier()

	clock := func() int64 { return time.Now().UTC().Unix() }
	depositService, err := deposit.NewService(depositStore, verifier, clock,
		deposit.WithOperationLogger(oplog.NewSettlements(logger)),
		deposit.WithTTL(int64(cfg.DepositTTL.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("deposit service init: %w", err)
	}
	commitment, err := fairness.NewSeedCommitment(fairness.CryptoEntropySource{}, clock)
	if err != nil {
		return fmt.Errorf("seed commitment init: %w", err)
	}
	sessionService, err := fairness.NewSessionService(sessionStore, commitment, clock,
		fairness.WithOperationLogger(oplog.NewSessions(logger)),
	)
	if err != nil {
		return fmt.Errorf("session service init: %w", err)
	}

	logger.Info("fairledger starting",
		zap.String("driver", driver),
		zap.Bool("redis_sessions", cfg.RedisAddr != ""),
		zap.String("treasury", verifier.Treasury().Hex()),
	)
	return httpapi.Run(ctx, cfg.HTTP, logger, sessionService, depositService)
}

func openDepositStore(ctx context.Context, cfg *runtimeConfig, gormDB *gorm.DB, driver string) (deposit.Store, func(), error) {
	if driver != driverPostgres {
		return gormstore.New(gormDB), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	store := pgstore.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres schema: %w", err)
	}
	return store, pool.Close, nil
}

func openSessionStore(ctx context.Context, cfg *runtimeConfig, gormDB *gorm.DB) (fairness.SessionStore, func(), error) {
	if cfg.RedisAddr == "" {
		return gormstore.New(gormDB), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	store := redisstore.New(client)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return store, func() { _ = client.Close() }, nil
}

func openVerifier(ctx context.Context, cfg *runtimeConfig) (*chain.Verifier, func(), error) {
	verifierConfig, err := buildVerifierConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc dial: %w", err)
	}
	verifier, err := chain.NewVerifier(client, verifierConfig)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return verifier, client.Close, nil
}

func buildVerifierConfig(cfg *runtimeConfig) (chain.Config, error) {
	treasury, err := chain.ParseAddress(cfg.Treasury)
	if err != nil {
		return chain.Config{}, err
	}
	contracts, err := chain.ParseTokenContracts(cfg.TokenContracts)
	if err != nil {
		return chain.Config{}, err
	}
	registry, err := chain.NewTokenRegistry(contracts)
	if err != nil {
		return chain.Config{}, err
	}
	return chain.Config{Treasury: treasury, Registry: registry, Timeout: cfg.RPCTimeout}, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// SQLite has a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "fairledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema migrates the GORM tables. On Postgres the deposit tables belong to pgstore.
func prepareSchema(db *gorm.DB, driver string) error {
	var err error
	switch driver {
	case driverSQLite:
		err = gormstore.AutoMigrate(db)
	case driverPostgres:
		err = db.AutoMigrate(&gormstore.GameSession{})
	}
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
