package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/StefanGrimminck/threatfeed/internal/abuseipdb"
	"github.com/StefanGrimminck/threatfeed/internal/auth"
	"github.com/StefanGrimminck/threatfeed/internal/config"
	"github.com/StefanGrimminck/threatfeed/internal/control"
	"github.com/StefanGrimminck/threatfeed/internal/engine"
	"github.com/StefanGrimminck/threatfeed/internal/enrich"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
	"github.com/StefanGrimminck/threatfeed/internal/output"
	"github.com/StefanGrimminck/threatfeed/internal/ratelimit"
	"github.com/StefanGrimminck/threatfeed/internal/rotation"
	"github.com/StefanGrimminck/threatfeed/internal/server"
	"github.com/StefanGrimminck/threatfeed/internal/stream"
	"github.com/StefanGrimminck/threatfeed/internal/whoiscache"
)

func main() {
	configPath := flag.String("config", "threatfeed.toml", "Path to config file (TOML)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file with secrets")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Stderr.WriteString("env-file: " + err.Error() + "\n")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Don't log tokens, the API key or config content
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logLevel := zerolog.InfoLevel
	switch cfg.Logging.Level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	var log zerolog.Logger
	if cfg.Logging.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	var metricsHandler http.Handler
	var engineMetrics *engine.Metrics
	var controlMetrics *control.Metrics
	if cfg.Observability.MetricsEnabled {
		promReg := prometheus.NewRegistry()
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
		engineMetrics = engine.NewMetrics(promReg)
		controlMetrics = control.NewMetrics(promReg)
	}

	// Enrichment: optional GeoIP/ASN DBs and PTR lookups
	var ptr *enrich.PTRResolver
	if cfg.Enrichment.DNS.Enabled {
		ttl := cfg.Enrichment.DNS.CacheTTL
		if ttl <= 0 {
			ttl = 300
		}
		ptr = enrich.NewPTRResolver(time.Duration(ttl)*time.Second, cfg.Enrichment.DNS.MaxQPS)
	}
	enricher, err := enrich.NewEnricher(cfg.Enrichment.GeoIPDBPath, cfg.Enrichment.ASNDBPath, ptr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("enricher")
	}
	defer func() {
		if err := enricher.Close(); err != nil {
			log.Warn().Err(err).Msg("enricher close")
		}
	}()
	whoisClient := enrich.NewWhoisClient(time.Duration(cfg.Enrichment.Whois.TimeoutSeconds) * time.Second)

	out, err := output.NewWriter(cfg.Output)
	if err != nil {
		log.Fatal().Err(err).Msg("output")
	}
	if p, ok := out.(interface{ Ping(context.Context) error }); ok {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("output not reachable; records will be retried per cycle")
		}
		cancel()
	}

	tracker := ratelimit.NewTracker()
	poller := &engine.Poller{
		API:       abuseipdb.New(cfg.API.BaseURL, nil),
		Whois:     whoisClient,
		Cache:     whoiscache.NewCache(time.Duration(cfg.Enrichment.Whois.CacheTTLSeconds) * time.Second),
		Tracker:   tracker,
		Annotator: enricher,
		Regional:  enrich.NewRegionalDiscoverer(whoisClient, cfg.Enrichment.Whois.RegionalServer, cfg.Enrichment.Whois.MaxRangesPerISP, log),
		Metrics:   engineMetrics,
		Log:       log.With().Str("component", "poller").Logger(),
	}
	refresher := &engine.Refresher{
		API:     poller.API,
		Tracker: tracker,
		Metrics: engineMetrics,
		Log:     log.With().Str("component", "blacklist").Logger(),
	}

	display := rotation.NewDisplay(
		rotation.NewStore(),
		cfg.Display.MinConfidence,
		time.Duration(cfg.Display.RotateIntervalMs)*time.Millisecond,
		log.With().Str("component", "display").Logger(),
	)
	var hub *stream.Hub
	sinks := feed.Fanout{display, feed.SinkFunc(func(e feed.Event) { hub.Emit(e) })}
	var archiver *output.Archiver
	if out != nil {
		archiver = output.NewArchiver(out, log.With().Str("component", "output").Logger())
		sinks = append(sinks, archiver)
	}

	eng := engine.New(poller, refresher, sinks, log.With().Str("component", "engine").Logger())
	eng.OnConfig(display.Configured)
	hub = stream.NewHub(eng, log.With().Str("component", "stream").Logger())

	validator := auth.NewValidator(cfg.Auth.Tokens)
	var onReject func(int)
	if controlMetrics != nil {
		onReject = func(status int) { controlMetrics.IncRequests("unknown", status) }
	}

	var tlsConfig *tls.Config
	if cfg.Server.TLS && (cfg.Server.CertFile != "" && cfg.Server.KeyFile != "") {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	srv := &server.Server{
		Messages: &control.Handler{
			Engine:       eng,
			RateLimiter:  ratelimit.NewPerClientLimiter(cfg.Limits.PerClientRPS),
			MaxBodyBytes: cfg.Limits.MaxBodySizeBytes,
			Log:          log,
			Metrics:      controlMetrics,
		},
		Stream:         hub,
		View:           display.View,
		Blacklist:      display.Blacklist,
		Authenticate:   auth.Middleware(validator, onReject),
		EnricherReady:  enricher.Ready,
		MetricsHandler: metricsHandler,
		Logger:         log,
		TLSConfig:      tlsConfig,
		ListenAddr:     cfg.Server.ListenAddress,
		ManagementAddr: cfg.Server.ManagementListenAddress,
	}
	if cfg.Server.TLS {
		srv.CertFile, srv.KeyFile = cfg.Server.CertFile, cfg.Server.KeyFile
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return display.Run(gctx) })
	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx) })
	}
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		eng.Close()
		return nil
	})

	if len(cfg.Feed) > 0 {
		if err := eng.Dispatch(feed.Message{Notification: feed.NotifyConfig, Payload: cfg.Feed}); err != nil {
			log.Error().Err(err).Msg("initial config")
		}
	} else {
		log.Info().Msg("no [feed] table; waiting for CONFIG on the control API")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server")
	}
	log.Info().Msg("shut down")
}
