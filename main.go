package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"s3proxy/auth"
	"s3proxy/dispatch"
	"s3proxy/logger"
	"s3proxy/monitoring"
	"s3proxy/remote"
	"s3proxy/routing"
	"s3proxy/supervisor"
	"s3proxy/token"
)

func main() {
	var (
		configFile       = flag.String("config-file", "", "Configuration file path (YAML), required")
		port             = flag.String("port", "", "Listen port (overrides config's listen_address port)")
		accessKey        = flag.String("access-key", "", "Access key (overrides config)")
		secretKey        = flag.String("secret-key", "", "Secret key (overrides config)")
		bucket           = flag.String("bucket", "", "Virtual bucket name (overrides config)")
		logLevel         = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
		documentStoreURI = flag.String("document-store-uri", "", "Mongo document store URI (overrides config)")
		documentStoreDB  = flag.String("document-store-db", "", "Mongo document store database name (overrides config)")
	)
	flag.Parse()

	if *configFile == "" {
		log.Println("--config-file is required")
		os.Exit(1)
	}

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Printf("failed to load configuration: %v", err)
		os.Exit(1)
	}

	applyCommandLineOverrides(config, *port, *accessKey, *secretKey, *bucket, *logLevel, *documentStoreURI, *documentStoreDB)
	if err := config.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}

	logger.SetGlobalLevel(logger.ParseLogLevel(config.LogLevel))
	logger.Info("s3reproxy starting")
	logger.Info("virtual bucket: %s, %d targets configured", config.Bucket, len(config.Targets))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenStore, err := openTokenStore(ctx, config)
	if err != nil {
		log.Printf("failed to open document store: %v", err)
		os.Exit(1)
	}

	var monitor *monitoring.Monitor
	if config.Monitoring.Enabled {
		monitor, err = monitoring.New(&config.Monitoring)
		if err != nil {
			log.Printf("failed to create monitoring module: %v", err)
			os.Exit(1)
		}
		if err := monitor.Start(); err != nil {
			log.Printf("failed to start monitoring module: %v", err)
			os.Exit(1)
		}
		logger.Info("monitoring enabled on %s", config.Monitoring.ListenAddress)
	}

	authenticator, err := auth.NewAuthenticatorFromConfig(config.AuthConfig())
	if err != nil {
		log.Printf("failed to create authenticator: %v", err)
		os.Exit(1)
	}

	metrics := remote.NewMetrics()
	multipartStore, err := openMultipartStore(ctx, config)
	if err != nil {
		log.Printf("failed to open multipart upload store: %v", err)
		os.Exit(1)
	}
	defer multipartStore.Stop()

	handles, sup := supervisor.SpawnActors(config.Targets, metrics, remote.DefaultMailboxCapacity)
	d := dispatch.New(handles, config.Bucket, multipartStore, tokenStore)
	engine := routing.NewEngine(authenticator, d)
	sup.NewGateway(config.ToAPIGatewayConfig(), engine)

	logger.Info("s3reproxy listening on %s", config.ListenAddress)
	if err := sup.Run(ctx); err != nil {
		log.Printf("supervisor exited with error: %v", err)
		os.Exit(1)
	}

	if monitor != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := monitor.Stop(shutdownCtx); err != nil {
			logger.Error("error stopping monitoring: %v", err)
		}
	}

	logger.Info("s3reproxy stopped")
}

func openTokenStore(ctx context.Context, config *AppConfig) (token.Store, error) {
	if config.DocumentStore.URI == "" {
		logger.Info("no document_store.uri configured, using in-memory token store")
		return token.NewInMemoryStore(0), nil
	}
	logger.Info("connecting to document store at %s", config.DocumentStore.URI)
	return token.Connect(ctx, config.DocumentStore.URI, config.DocumentStore.Database)
}

func openMultipartStore(ctx context.Context, config *AppConfig) (dispatch.MultipartStore, error) {
	if config.DocumentStore.URI == "" {
		logger.Info("no document_store.uri configured, using in-memory multipart upload store")
		return dispatch.NewInMemoryMultipartStore(), nil
	}
	logger.Info("connecting to document store at %s for multipart uploads", config.DocumentStore.URI)
	return dispatch.ConnectMultipartStore(ctx, config.DocumentStore.URI, config.DocumentStore.Database)
}

func applyCommandLineOverrides(config *AppConfig, port, accessKey, secretKey, bucket, logLevel, documentStoreURI, documentStoreDB string) {
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			config.ListenAddress = ":" + port
			logger.Debug("override: listen_address port = %s", port)
		}
	}

	if accessKey == "" {
		accessKey = os.Getenv("ACCESS_KEY")
	}
	if accessKey != "" {
		config.AccessKey = accessKey
	}

	if secretKey == "" {
		secretKey = os.Getenv("SECRET_KEY")
	}
	if secretKey != "" {
		config.SecretKey = secretKey
	}

	if bucket == "" {
		bucket = os.Getenv("BUCKET")
	}
	if bucket != "" {
		config.Bucket = bucket
	}

	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}

	if documentStoreURI == "" {
		documentStoreURI = os.Getenv("DOCUMENT_STORE_URI")
	}
	if documentStoreURI != "" {
		config.DocumentStore.URI = documentStoreURI
	}

	if documentStoreDB == "" {
		documentStoreDB = os.Getenv("DOCUMENT_STORE_DB")
	}
	if documentStoreDB != "" {
		config.DocumentStore.Database = documentStoreDB
	}
}
