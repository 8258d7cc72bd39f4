package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/switchboard/pkg/auth"
	"github.com/go-go-golems/switchboard/pkg/budget"
	"github.com/go-go-golems/switchboard/pkg/config"
	"github.com/go-go-golems/switchboard/pkg/models"
	"github.com/go-go-golems/switchboard/pkg/persistence/chatstore"
	"github.com/go-go-golems/switchboard/pkg/provider"
	"github.com/go-go-golems/switchboard/pkg/ratelimit"
	"github.com/go-go-golems/switchboard/pkg/relay"
	"github.com/go-go-golems/switchboard/pkg/webchat"
)

type serveOptions struct {
	configPath string
	addr       string
	logFlags   *LogFlags
}

func NewServeCommand(logFlags *LogFlags) *cobra.Command {
	opts := &serveOptions{logFlags: logFlags}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to the YAML config file")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}

// loadConfig reads the config file, or builds one from defaults and the
// environment when no file is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.Auth.JWTSecret = os.Getenv("SWITCHBOARD_JWT_SECRET")
	cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

func buildCatalog(defaultModel string) (*models.Catalog, error) {
	builtin := models.Builtin()
	if defaultModel == "" {
		return builtin, nil
	}
	catalog := models.NewCatalog(defaultModel)
	for _, id := range builtin.IDs() {
		spec, _ := builtin.Lookup(id)
		catalog.Register(spec)
	}
	if _, ok := catalog.Lookup(defaultModel); !ok {
		return nil, errors.Errorf("generation.default_model %q is not in the catalog", defaultModel)
	}
	return catalog, nil
}

func buildGateway(cfg *config.Config, catalog *models.Catalog) *provider.Gateway {
	budgeter := budget.NewBudgeter(catalog)
	if est, err := budget.NewTokenizerEstimator("gpt-4"); err != nil {
		log.Warn().Err(err).Msg("tokenizer unavailable, using heuristic token estimates")
	} else {
		budgeter.SetEstimator(models.FamilyOpenAI, est)
	}

	opts := []provider.GatewayOption{
		provider.WithRetryPolicy(provider.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		}),
	}
	if cfg.Generation.TitleModel != "" {
		opts = append(opts, provider.WithTitleModel(cfg.Generation.TitleModel))
	}
	if p := cfg.Providers.OpenAI; p.APIKey != "" {
		opts = append(opts, provider.WithFamily(provider.NewOpenAIFamily(p.APIKey, p.BaseURL)))
	}
	if p := cfg.Providers.Anthropic; p.APIKey != "" {
		var aopts []provider.AnthropicOption
		if p.BaseURL != "" {
			aopts = append(aopts, provider.WithAnthropicBaseURL(p.BaseURL))
		}
		if p.Version != "" {
			aopts = append(aopts, provider.WithAnthropicVersion(p.Version))
		}
		opts = append(opts, provider.WithFamily(provider.NewAnthropicFamily(p.APIKey, aopts...)))
	}
	return provider.NewGateway(catalog, budgeter, opts...)
}

func openChatStore(cfg *config.Config) (chatstore.Store, error) {
	if cfg.Database.Path == "" {
		log.Warn().Msg("database.path not set, conversations are kept in memory")
		return chatstore.NewInMemoryStore(), nil
	}
	dsn, err := chatstore.SQLiteDSNForFile(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	return chatstore.NewSQLiteStore(dsn)
}

func openRateStore(cfg *config.Config, client redis.UniversalClient) (ratelimit.Store, error) {
	switch cfg.RateLimit.Store {
	case config.RateLimitRedis:
		return ratelimit.NewRedisStore(client, cfg.Redis.Prefix), nil
	case config.RateLimitSQLite:
		path := cfg.RateLimit.SQLitePath
		if path == "" {
			path = cfg.Database.Path
		}
		dsn, err := ratelimit.SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return ratelimit.NewSQLiteStore(dsn)
	default:
		return ratelimit.NewMemoryStore(), nil
	}
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if !opts.logFlags.Overridden() {
		if err := InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return err
		}
	}

	catalog, err := buildCatalog(cfg.Generation.DefaultModel)
	if err != nil {
		return err
	}
	gateway := buildGateway(cfg, catalog)

	store, err := openChatStore(cfg)
	if err != nil {
		return errors.Wrap(err, "open chat store")
	}
	defer func() { _ = store.Close() }()

	var redisClient redis.UniversalClient
	if cfg.RateLimit.Store == config.RateLimitRedis || (cfg.Relay.Enabled && cfg.Relay.Backend == string(relay.BackendRedis)) {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "redis ping %s", cfg.Redis.Addr)
		}
		defer func() { _ = redisClient.Close() }()
	}

	rateStore, err := openRateStore(cfg, redisClient)
	if err != nil {
		return errors.Wrap(err, "open rate limit store")
	}
	defer func() { _ = rateStore.Close() }()
	admitter := ratelimit.NewAdmitter(rateStore, ratelimit.WithPolicies(ratelimit.DefaultPolicies(cfg.RateLimit.PerMinute)))
	runners := []webchat.Runner{ratelimit.NewSweeper(rateStore, cfg.RateLimit.SweepInterval).Run}

	registry := webchat.NewRegistry()
	var sink webchat.FrameSink = registry
	if cfg.Relay.Enabled {
		tr, err := relay.NewTransport(ctx, relay.Settings{
			Backend:  relay.Backend(cfg.Relay.Backend),
			Topic:    cfg.Relay.Topic,
			Group:    cfg.Relay.Group,
			Consumer: cfg.Relay.Consumer,
		}, redisClient, relay.NewWatermillLogger(log.Logger))
		if err != nil {
			return err
		}
		rl, err := relay.New(registry, tr, relay.WithTopic(cfg.Relay.Topic), relay.WithInstanceID(cfg.Server.InstanceID))
		if err != nil {
			_ = tr.Close()
			return err
		}
		defer func() { _ = rl.Close() }()
		sink = rl
		runners = append(runners, rl.Run)
		log.Info().Str("backend", cfg.Relay.Backend).Str("instance", rl.InstanceID()).Msg("relay enabled")
	}

	// In-flight streams drain during shutdown instead of being cut off with
	// the signal context.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	chatSvc, err := webchat.NewChatService(webchat.ChatServiceConfig{
		BaseCtx:         baseCtx,
		Store:           store,
		Gen:             gateway,
		Catalog:         catalog,
		Admitter:        admitter,
		Sink:            sink,
		Temperature:     cfg.Generation.Temperature,
		MaxOutputTokens: cfg.Generation.MaxOutputTokens,
		StreamTimeout:   cfg.Server.StreamTimeout,
	})
	if err != nil {
		return err
	}
	hub, err := webchat.NewStreamHub(webchat.StreamHubConfig{
		BaseCtx:  baseCtx,
		Registry: registry,
		Chat:     chatSvc,
		Sink:     sink,
	})
	if err != nil {
		return err
	}

	origins, err := webchat.NewOriginResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	router := webchat.NewRouter(webchat.RouterConfig{
		Hub:            hub,
		Chat:           chatSvc,
		Registry:       registry,
		Verifier:       auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		Admitter:       admitter,
		Origins:        origins,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv, err := webchat.NewServer(httpSrv, registry, chatSvc, runners...)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
