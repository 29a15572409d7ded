package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-api/internal/artifacts"
	"relay-api/internal/assembler"
	"relay-api/internal/conversations"
	"relay-api/internal/dispatch"
	"relay-api/internal/handlers/chats"
	"relay-api/internal/middleware"
	"relay-api/internal/mirror"
	"relay-api/internal/principals"
	"relay-api/internal/providers/fal"
	"relay-api/internal/providers/openrouter"
	"relay-api/internal/registry"
	"relay-api/internal/routers"
	"relay-api/internal/search"
	"relay-api/internal/settlement"
	"relay-api/internal/shared"
	"relay-api/internal/usage"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	writeDSN := flag.String("dsn", "", "Write mysql DSN")
	readDSN := flag.String("read-dsn", "", "Read replica mysql DSN")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	redisAddr := flag.String("redis-addr", "", "Redis host:port")
	debug := flag.Bool("debug", false, "Debug enabled")

	openrouterKey := flag.String("openrouter-key", "", "OpenRouter API key")
	openrouterURL := flag.String("openrouter-url", openrouter.DefaultBaseURL, "OpenRouter base url")
	siteURL := flag.String("site-url", "", "Site url sent as referer to OpenRouter")
	falKey := flag.String("fal-key", "", "fal.ai API key")
	falURL := flag.String("fal-url", fal.DefaultBaseURL, "fal.ai queue base url")

	s3Endpoint := flag.String("s3-endpoint", "", "S3 compatible endpoint host:port")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret key")
	s3Bucket := flag.String("s3-bucket", "", "S3 bucket for artifacts")
	s3Region := flag.String("s3-region", "", "S3 region")
	s3PublicURL := flag.String("s3-public-url", "", "Public base url of the bucket")
	s3Secure := flag.Bool("s3-secure", true, "Use TLS for S3")

	mirrorURL := flag.String("mirror-url", "", "Identity provider base url")
	mirrorClientID := flag.String("mirror-client-id", "", "Identity provider client id")
	mirrorClientSecret := flag.String("mirror-client-secret", "", "Identity provider client secret")

	googleSearchEngineID := flag.String("google-search-engine-id", "", "Google search engine id")
	googleAPIKey := flag.String("google-api-key", "", "Google search api key")

	modelCatalog := flag.String("model-catalog", "", "Optional YAML model catalogue")
	defaultModel := flag.String("default-model", registry.DefaultModelID, "Model used for unknown model ids")
	minBalance := flag.Float64("min-balance", 0, "Least balance needed before a paid generation")
	cleanupInterval := flag.Duration("cleanup-interval", shared.DefaultCleanupInterval, "Expired chat cleanup interval")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	// Write DB init
	writeDB, err := sql.Open("mysql", *writeDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
	}
	err = writeDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed ping to sql db: %s", err))
	}

	// Read db init
	readDB, err := sql.Open("mysql", *readDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing readSqlClient: %s", err))
	}
	err = readDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed to ping read replica sql db: %s", err))
	}

	// Load Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       0,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("failed ping to redis db: %s", err))
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if writeDB != nil {
			_ = writeDB.Close()
		}
		if readDB != nil {
			_ = readDB.Close()
		}
	}()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()

	reg, err := registry.Load(*modelCatalog, *defaultModel)
	if err != nil {
		panic(fmt.Sprintf("failed loading model catalogue: %s", err))
	}

	store, err := artifacts.NewStore(artifacts.Config{
		Endpoint:  *s3Endpoint,
		AccessKey: *s3AccessKey,
		SecretKey: *s3SecretKey,
		Bucket:    *s3Bucket,
		Region:    *s3Region,
		PublicURL: *s3PublicURL,
		Secure:    *s3Secure,
	}, log)
	if err != nil {
		panic(fmt.Sprintf("failed initializing artifact storage: %s", err))
	}

	text := openrouter.New(*openrouterURL, *openrouterKey, *siteURL, log)
	if !text.Configured() {
		log.Warn("OpenRouter key missing, text models will fail")
	}
	jobs := fal.New(*falURL, *falKey, log)
	if !jobs.Configured() {
		log.Warn("fal.ai key missing, media models will fail")
	}

	dispatcher := &dispatch.Dispatcher{Text: text, Log: log}
	if *googleSearchEngineID != "" && *googleAPIKey != "" {
		enricher, err := search.NewEnricher(*googleSearchEngineID, *googleAPIKey, log)
		if err != nil {
			panic(err)
		}
		dispatcher.Search = enricher
		log.Info("Web search enrichment enabled")
	}

	principalStore := principals.New(readDB, redisClient, log)
	convs := conversations.NewStore(writeDB, readDB, redisClient, log)
	ledger := usage.NewLedger(log, writeDB)
	balanceMirror := mirror.New(redisClient, *mirrorURL, *mirrorClientID, *mirrorClientSecret, log)

	chatHandler := &chats.ChatHandler{
		Registry:      reg,
		Assembler:     assembler.New(),
		Conversations: convs,
		Balances:      principalStore,
		Dispatcher:    dispatcher,
		Media:         &dispatch.MediaAdapter{Jobs: jobs, Rehoster: store, Log: log},
		Settlement:    settlement.NewEngine(writeDB, balanceMirror, log),
		Usage:         ledger,
		MinBalance:    shared.AmountFromFloat(*minBalance),
		Log:           log,
	}

	e := echo.New()
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), middleware.RequireMetricsKey(*metricsAPIKey))
	base := e.Group("")
	base.Use(emw.CORSWithConfig(emw.CORSConfig{
		AllowCredentials: true,
		ExposeHeaders:    []string{"X-Chat-Id", "X-Request-Id"},
	}))
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	pmw := middleware.NewPrincipalMiddleware(principalStore)
	routers.RegisterChatRoutes(base, routers.NewChatRouter(chatHandler, convs, reg, store), pmw)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go convs.RunJanitor(janitorCtx, *cleanupInterval)

	go func() {
		if err := e.Start(":80"); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Wait for interrupt signal to gracefully shut down the server
	<-ctx.Done()
	stopJanitor()

	ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Errorw("Failed graceful shutdown", "error", err)
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFlush()
	ledger.Shutdown(flushCtx)
	_ = log.Sync()
}
