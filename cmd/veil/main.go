package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"veil/cfg"
	"veil/metrics"
	"veil/pkg/secrets"
	"veil/svc/api"
	"veil/svc/blob"
	"veil/svc/cache"
	"veil/svc/db"
	"veil/svc/lim"
	"veil/svc/svc"
	"veil/svc/util"
)

func main() {
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.InitLog("info", false)
		util.Fatal().Err(err).Msg("failed to load config")
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid config")
	}
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pepper := []byte(c.Pepper.Value())
	if c.PepperFromSecrets {
		chain, err := secrets.NewChain(ctx)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to build secrets chain")
		}
		p, err := chain.GetSecret(ctx, "PEPPER")
		if err != nil {
			util.Fatal().Err(err).Msg("failed to fetch pepper from secrets backend")
		}
		pepper = []byte(p)
	}
	if len(pepper) < 32 {
		util.Fatal().Msg("pepper must be at least 32 bytes")
	}
	hasher, err := util.NewIPHasher(pepper, c.IPHashRotationInterval)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to init ip hasher")
	}
	defer hasher.Stop()

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to open database")
	}
	defer sqlDB.Close()
	walQuit := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), walQuit)
	defer close(walQuit)

	var rdb *db.Redis
	var counters lim.CounterStore
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		counters = rdb
	} else {
		util.Warn().Msg("no redis configured, rate limit counters are per-process")
		counters = lim.NewMemoryCounters()
	}

	var blobs blob.Store
	switch c.BlobBackend {
	case "s3":
		blobs, err = blob.NewS3(ctx, c.S3Bucket, c.S3Endpoint, c.S3UsePathStyle)
	default:
		blobs, err = blob.NewFS(c.BlobDir)
	}
	if err != nil {
		util.Fatal().Err(err).Str("backend", c.BlobBackend).Msg("failed to init blob store")
	}

	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to init cache")
	}

	limiter := lim.New(c.RateLimit, counters, c.TrustedProxies)
	defer limiter.Stop()

	linkSvc := svc.NewLink(sqlDB, lru, rdb, blobs, c)
	defer linkSvc.Shutdown()
	vaultSvc := svc.NewVault(sqlDB)

	if err := svc.StartCleaner(ctx, sqlDB, c.CleanupInterval); err != nil {
		util.Fatal().Err(err).Msg("failed to start cleaner")
	}

	server := api.NewServer(c, linkSvc, vaultSvc, limiter, hasher, sqlDB, rdb)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			util.Fatal().Err(err).Msg("server error")
		}
	case s := <-sig:
		util.Info().Str("signal", s.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("graceful shutdown failed")
	}
	c.Wipe()
	util.Info().Msg("shutdown complete")
}
