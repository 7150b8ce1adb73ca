package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"goa.design/aigw/config"
	"goa.design/aigw/files"
	files3 "goa.design/aigw/files/s3"
	"goa.design/aigw/gateway"
	"goa.design/aigw/kb"
	"goa.design/aigw/provider"
	"goa.design/aigw/provider/bedrock"
	"goa.design/aigw/provider/openai"
	"goa.design/aigw/route"
	"goa.design/aigw/telemetry"
	"goa.design/aigw/usage"
	usagemongo "goa.design/aigw/usage/mongo"
)

func main() {
	// Define command line flags, add any other flag required to configure
	// the service.
	var (
		hostF     = flag.String("host", "0.0.0.0", "Server host")
		httpPortF = flag.String("http-port", "8000", "HTTP port")
		envFileF  = flag.String("env-file", "", "Path to a .env file (defaults to ./.env when present)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	// Load configuration from the environment, optionally seeded from a
	// .env file.
	var cfg *config.Config
	{
		var paths []string
		if *envFileF != "" {
			paths = append(paths, *envFileF)
		}
		var err error
		cfg, err = config.Load(ctx, paths...)
		if err != nil {
			log.Fatalf(ctx, err, "invalid configuration")
		}
	}
	if *dbgF || cfg.LogLevel == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-port", V: *httpPortF})

	if cfg.APIKey == "" {
		log.Fatal(ctx, fmt.Errorf("SERVER_API_KEY is required"))
	}

	// Model routing table and catalog, optionally extended from YAML.
	var (
		router  *route.Router
		catalog *route.Catalog
	)
	{
		catalog = route.DefaultCatalog()
		var extra []route.Rule
		if cfg.ModelCatalogFile != "" {
			models, rules, err := route.LoadCatalogFile(cfg.ModelCatalogFile)
			if err != nil {
				log.Fatalf(ctx, err, "invalid model catalog %q", cfg.ModelCatalogFile)
			}
			catalog.Extend(models)
			extra = rules
		}
		router = route.NewRouter(extra...)
	}

	// Provider middleware: bounded retries plus the adaptive rate limiter,
	// cluster-aware when Redis is configured.
	var middleware []provider.Middleware
	{
		middleware = append(middleware, provider.Retry(provider.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			WaitMin:     cfg.Retry.WaitMin,
			WaitMax:     cfg.Retry.WaitMax,
		}))
		if cfg.RateLimitTPM > 0 {
			var budget *rmap.Map
			if cfg.RedisURL != "" {
				ropts, err := redis.ParseURL(cfg.RedisURL)
				if err != nil {
					log.Fatalf(ctx, err, "invalid REDIS_URL")
				}
				budget, err = rmap.Join(ctx, "aigw-ratelimit", redis.NewClient(ropts))
				if err != nil {
					log.Fatalf(ctx, err, "failed to join rate limit map")
				}
			}
			limiter := provider.NewAdaptiveRateLimiter(ctx, budget, "tpm", cfg.RateLimitTPM, cfg.RateLimitMaxTPM)
			middleware = append(middleware, limiter.Middleware())
		}
	}

	// Initialize the provider clients and the AWS-backed services. A
	// missing credential set disables the feature it serves rather than
	// abort startup; the HTTP layer reports disabled features as
	// unavailable.
	var (
		providers = make(map[route.Provider]provider.Client)
		live      gateway.ModelLister
		injector  *files.Injector
		fileSvc   *files.Service
		kbSvc     *kb.Service
		enhancer  *kb.Enhancer
		pingers   []health.Pinger
	)
	{
		if cfg.OpenAIKey != "" {
			oai, err := openai.NewFromAPIKey(cfg.OpenAIKey, "", cfg.MaxTokens.OpenAI)
			if err != nil {
				log.Fatalf(ctx, err, "failed to build openai client")
			}
			providers[route.ProviderOpenAI] = provider.Chain(oai, middleware...)
			live = oai
		}

		awsCfg, err := bedrock.LoadAWSConfig(ctx, bedrock.CredentialOptions{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			SessionToken:         cfg.AWS.SessionToken,
			Profile:              cfg.AWS.Profile,
			RoleARN:              cfg.AWS.RoleARN,
			ExternalID:           cfg.AWS.ExternalID,
			SessionName:          cfg.AWS.RoleSessionName,
			SessionDuration:      cfg.AWS.RoleSessionDuration,
			WebIdentityTokenFile: cfg.AWS.WebIdentityTokenFile,
		})
		if err != nil {
			log.Errorf(ctx, err, "AWS configuration failed, Bedrock models, file storage and knowledge bases are disabled")
		} else {
			bdr, err := bedrock.New(bedrock.Options{
				Runtime:         bedrockruntime.NewFromConfig(awsCfg),
				Router:          router,
				ClaudeMaxTokens: cfg.MaxTokens.Claude,
				TitanMaxTokens:  cfg.MaxTokens.Titan,
			})
			if err != nil {
				log.Fatalf(ctx, err, "failed to build bedrock client")
			}
			providers[route.ProviderBedrock] = provider.Chain(bdr, middleware...)

			if cfg.S3FilesBucket != "" {
				store, err := files3.New(files3.Options{
					Client: awss3.NewFromConfig(awsCfg),
					Bucket: cfg.S3FilesBucket,
				})
				if err != nil {
					log.Fatalf(ctx, err, "failed to build file store")
				}
				fileSvc, err = files.NewService(store)
				if err != nil {
					log.Fatalf(ctx, err, "failed to build file service")
				}
				injector, err = files.NewInjector(fileSvc)
				if err != nil {
					log.Fatalf(ctx, err, "failed to build file injector")
				}
				pingers = append(pingers, fileSvc)
			}

			kbSvc, err = kb.NewService(kb.Options{
				Control: bedrockagent.NewFromConfig(awsCfg),
				Runtime: bedrockagentruntime.NewFromConfig(awsCfg),
				Region:  cfg.AWS.Region,
			})
			if err != nil {
				log.Fatalf(ctx, err, "failed to build knowledge base service")
			}
			enhancer, err = kb.NewEnhancer(kb.EnhancerOptions{KB: kbSvc})
			if err != nil {
				log.Fatalf(ctx, err, "failed to build knowledge base enhancer")
			}
			pingers = append(pingers, kbSvc)
		}
	}

	// Usage journal, backed by MongoDB when configured.
	var journal usage.Journal
	if cfg.JournalEnabled() {
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf(ctx, err, "invalid MONGODB_URI")
		}
		journal, err = usagemongo.New(usagemongo.Options{
			Client:   client,
			Database: cfg.MongoDatabase,
		})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build usage journal")
		}
		pingers = append(pingers, journal)
	}

	// Assemble the gateway and its HTTP server.
	var srv *gateway.Server
	{
		gw, err := gateway.New(gateway.Options{
			Router:    router,
			Providers: providers,
			Catalog:   catalog,
			Files:     injector,
			KB:        enhancer,
			Live:      live,
			Journal:   journal,
			Telemetry: telemetry.NewRecorder(),
		})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build gateway")
		}
		srv, err = gateway.NewServer(gateway.ServerOptions{
			Gateway: gw,
			APIKey:  cfg.APIKey,
			Files:   fileSvc,
			KB:      kbSvc,
			Pingers: pingers,
		})
		if err != nil {
			log.Fatalf(ctx, err, "failed to build http server")
		}
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	// Start the server and send errors (if any) to the error channel.
	u := &url.URL{Scheme: "http", Host: net.JoinHostPort(*hostF, *httpPortF)}
	handleHTTPServer(ctx, u, srv, &wg, errc, *dbgF)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}
