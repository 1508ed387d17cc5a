package main

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/ghodss/yaml"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dexidp/openauth/issuer"
	"github.com/dexidp/openauth/keys"
	"github.com/dexidp/openauth/provider"
	"github.com/dexidp/openauth/subject"
	"github.com/dexidp/openauth/token"
	"github.com/dexidp/openauth/web"
)

type serveOptions struct {
	config string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve [flags] [config file]",
		Short: "Launch the identity issuer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options.config = args[0]
			return runServe(cmd.Context(), options)
		},
	}
	return cmd
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid config: unknown logger level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "", "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid config: unknown logger format %q", format)
	}
	return slog.New(handler), nil
}

// serverRunner pairs an *http.Server with the listener it owns, so
// run.Group can start it and shut it down gracefully by name, the same
// shape dexidp/dex's cmd/dex uses for its web/telemetry/gRPC listeners.
type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger *slog.Logger
}

func newServerRunner(name string, srv *http.Server, logger *slog.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) addTo(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", s.name, s.srv.Addr, err)
	}
	gr.Add(func() error {
		s.logger.Info("listening", "server", s.name, "addr", s.srv.Addr)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.logger.Debug("starting graceful shutdown", "server", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Error("graceful shutdown failed", "server", s.name, "err", err)
		}
	})
	return nil
}

// mountAssets serves the default form/message templates' static CSS and
// theme files under the same router the issuer's own routes live on.
func mountAssets(r *mux.Router) {
	sub, err := fs.Sub(web.FS(), ".")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(sub))
	r.PathPrefix("/static/").Handler(fileServer)
	r.PathPrefix("/themes/").Handler(fileServer)
}

// identifierFields is, in priority order, the set of properties keys a
// subject's stable identifier is read from, covering every built-in
// provider's claims shape.
var identifierFields = []string{"sub", "email", "address", "credential_id", "name_id", "clientID"}

type claimsEnvelope struct {
	Claims json.RawMessage `json:"claims"`
}

// passthroughSchema validates nothing beyond "is a JSON object"; a
// deployment that needs stronger subject validation registers its own
// subject.Schema directly (this daemon's config format has no way to name
// an application-specific Go type).
func passthroughSchema() subject.Schema[any] {
	return subject.SchemaFunc[any](func(v any) (any, error) { return v, nil })
}

// buildSuccess maps a provider's Result to a subject, per spec §4.4's
// success-callback contract. Every built-in provider but oauth2 hands back
// a {"claims": {...}} envelope; oauth2's TokenSet has no envelope since
// its claims come from a follow-up userinfo call the relying party makes
// itself, so it round-trips through as the properties object directly.
func buildSuccess(subjectType string) issuer.SuccessFunc {
	return func(ctx context.Context, result provider.Result) (subject.Subject, error) {
		raw, err := json.Marshal(result.Value)
		if err != nil {
			return subject.Subject{}, fmt.Errorf("marshal provider result: %w", err)
		}

		var env claimsEnvelope
		properties := raw
		if err := json.Unmarshal(raw, &env); err == nil && len(env.Claims) > 0 {
			properties = env.Claims
		}

		var fields map[string]any
		if err := json.Unmarshal(properties, &fields); err != nil {
			return subject.Subject{}, fmt.Errorf("decode subject properties: %w", err)
		}

		id := ""
		for _, f := range identifierFields {
			if v, ok := fields[f].(string); ok && v != "" {
				id = v
				break
			}
		}
		if id == "" {
			sum := sha256.Sum256(properties)
			id = base64.RawURLEncoding.EncodeToString(sum[:16])
		}

		return subject.Subject{Type: subjectType, ID: id, Properties: fields}, nil
	}
}

func runServe(ctx context.Context, options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", options.config, err)
	}

	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parse config file %s: %w", options.config, err)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return err
	}
	logger.Info("config issuer", "issuer", c.Issuer)

	store, err := c.Storage.Open(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	logger.Info("config storage", "type", c.Storage.Type)

	km := keys.New(store, keys.Config{RefreshInterval: c.Keys.RefreshInterval}, logger)

	registry := subject.NewRegistry()
	const subjectType = "subject"
	subject.Register[any](registry, subjectType, passthroughSchema())

	tokens := token.New(token.Config{
		Issuer:        c.Issuer,
		AccessTTL:     c.Token.AccessTTL,
		RefreshTTL:    c.Token.RefreshTTL,
		ReuseInterval: c.Token.ReuseInterval,
		Retention:     c.Token.Retention,
	}, km, registry, store, logger)

	clients := make(map[string]issuer.Client, len(c.StaticClients))
	for _, cc := range c.StaticClients {
		client, err := cc.resolve()
		if err != nil {
			return err
		}
		clients[client.ID] = client
		logger.Info("config static client", "name", cc.Name)
	}

	mail, err := c.Mailer.Open()
	if err != nil {
		return err
	}

	providers := make(map[string]provider.Provider, len(c.Providers))
	for _, pc := range c.Providers {
		p, err := pc.build(ctx, mail)
		if err != nil {
			return fmt.Errorf("failed to initialize provider %q: %w", pc.Name, err)
		}
		providers[pc.Name] = p
		logger.Info("config provider", "name", pc.Name, "type", pc.Type)
	}

	iss := issuer.New(issuer.Config{
		Issuer:       c.Issuer,
		BasePath:     c.BasePath,
		CookieSecure: strings.HasPrefix(c.Issuer, "https://"),
	}, store, km, tokens, clients, providers, buildSuccess(subjectType), logger)

	router := iss.Router()
	mountAssets(router)

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %w", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %w", err)
	}

	healthChecker := gosundheit.New()
	healthChecker.RegisterCheck(&gosundheit.Config{
		Check:            &checks.CustomCheck{CheckName: "storage", CheckFunc: storageHealthCheck(store)},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	})

	telemetryRouter := http.NewServeMux()
	telemetryRouter.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	telemetryRouter.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))

	var gr run.Group

	accessLog := handlers.LoggingHandler(os.Stdout, router)

	if c.Telemetry.Addr != "" {
		telemetrySrv := &http.Server{Addr: c.Telemetry.Addr, Handler: telemetryRouter}
		defer telemetrySrv.Close()
		if err := newServerRunner("telemetry", telemetrySrv, logger).addTo(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTPAddr != "" {
		httpSrv := &http.Server{Addr: c.Web.HTTPAddr, Handler: accessLog}
		defer httpSrv.Close()
		if err := newServerRunner("http", httpSrv, logger).addTo(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTPSAddr != "" {
		httpsSrv := &http.Server{Addr: c.Web.HTTPSAddr, Handler: accessLog}
		defer httpsSrv.Close()
		runner := newServerRunner("https", httpsSrv, logger).WithTLS(c.Web.TLSCert, c.Web.TLSKey)
		if err := runner.addTo(&gr); err != nil {
			return err
		}
	}

	gr.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Info("shutting down", "reason", err)
	}
	return nil
}
