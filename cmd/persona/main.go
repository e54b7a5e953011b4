// Command persona runs the website personalization engine outside a
// browser widget.
//
// Usage:
//
//	persona -html page.html -url https://shop.example/?utm_campaign=spring
//	persona -live https://shop.example/?utm_campaign=spring
//	persona -serve :8787 -fixtures fixtures.yaml
//	persona -mcp
//	persona -match https://shop.example/?utm_source=news -catalog catalog.json
//	persona -visual flow_1 -message "I need a plan for three people"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/persona/applier"
	"github.com/hazyhaar/persona/browser"
	"github.com/hazyhaar/persona/cache"
	"github.com/hazyhaar/persona/client"
	"github.com/hazyhaar/persona/companion"
	"github.com/hazyhaar/persona/config"
	"github.com/hazyhaar/persona/devserver"
	"github.com/hazyhaar/persona/dom"
	"github.com/hazyhaar/persona/mcptools"
	"github.com/hazyhaar/persona/pagectx"
	"github.com/hazyhaar/persona/session"
	"github.com/hazyhaar/persona/utm"
	"github.com/hazyhaar/persona/variation"
	"github.com/hazyhaar/persona/waiter"
)

const version = "0.1.0"

type options struct {
	configPath string
	apiURL     string
	htmlPath   string
	pageURL    string
	liveURL    string
	serveAddr  string
	fixtures   string
	mcp        bool
	matchURL   string
	catalog    string
	visualFlow string
	message    string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to persona.yaml")
	flag.StringVar(&o.apiURL, "api", "", "backend base URL (overrides config)")
	flag.StringVar(&o.htmlPath, "html", "", "personalize a saved HTML page and print it")
	flag.StringVar(&o.pageURL, "url", "", "page URL for -html (query string included)")
	flag.StringVar(&o.liveURL, "live", "", "personalize a live page in Chrome and print its DOM")
	flag.StringVar(&o.serveAddr, "serve", "", "serve the dev backend on this address")
	flag.StringVar(&o.fixtures, "fixtures", "", "YAML fixture for -serve")
	flag.BoolVar(&o.mcp, "mcp", false, "serve the MCP tools over stdio")
	flag.StringVar(&o.matchURL, "match", "", "print the catalog key a URL's UTM parameters select")
	flag.StringVar(&o.catalog, "catalog", "", "catalog file (JSON or YAML) for -match")
	flag.StringVar(&o.visualFlow, "visual", "", "fetch one visual companion fragment for this flow id")
	flag.StringVar(&o.message, "message", "", "last user message for -visual")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("persona: no .env file", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("persona: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.apiURL != "" {
		cfg.API.URL = o.apiURL
	}
	if o.serveAddr != "" {
		cfg.Server.Addr = o.serveAddr
	}
	if o.fixtures != "" {
		cfg.Server.Fixtures = o.fixtures
	}

	switch {
	case o.matchURL != "":
		return runMatch(o.matchURL, o.catalog)
	case o.mcp:
		return runMCP(ctx, logger, cfg)
	case o.serveAddr != "":
		return runServe(ctx, logger, cfg)
	case o.htmlPath != "":
		return runHTML(ctx, logger, cfg, o.htmlPath, o.pageURL)
	case o.liveURL != "":
		return runLive(ctx, logger, cfg, o.liveURL)
	case o.visualFlow != "":
		return runVisual(ctx, logger, cfg, o.visualFlow, o.message)
	}

	fmt.Fprintln(os.Stderr, "usage: persona -html <file> -url <url> | -live <url> | -serve <addr> | -mcp | -match <url> -catalog <file> | -visual <flow>")
	os.Exit(2)
	return nil
}

func runMatch(pageURL, catalogPath string) error {
	if catalogPath == "" {
		return errors.New("-match requires -catalog")
	}
	catalog, err := loadCatalog(catalogPath)
	if err != nil {
		return err
	}
	fmt.Println(utm.Match(utm.FromURL(pageURL), catalog))
	return nil
}

func loadCatalog(path string) (variation.Catalog, error) {
	var c variation.Catalog
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read catalog: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &c)
	default:
		err = json.Unmarshal(data, &c)
	}
	if err != nil {
		return c, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return c, nil
}

func runMCP(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "persona", Version: version}, nil)
	mcptools.New(mcptools.WithApplier(newApplier(cfg, logger)), mcptools.WithLogger(logger)).RegisterMCP(srv)
	logger.Info("persona: mcp over stdio")
	return srv.Run(ctx, &mcp.StdioTransport{})
}

func runServe(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	fixture := &devserver.Fixture{}
	if cfg.Server.Fixtures != "" {
		f, err := devserver.LoadFixture(cfg.Server.Fixtures)
		if err != nil {
			return err
		}
		fixture = f
	}
	backend := devserver.New(fixture, devserver.WithLogger(logger))
	if cfg.Server.Fixtures != "" {
		go devserver.NewReloader(cfg.Server.Fixtures, backend, time.Second, 200*time.Millisecond, logger).Run(ctx)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("persona: dev backend listening", "addr", cfg.Server.Addr, "fixtures", cfg.Server.Fixtures)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runHTML(ctx context.Context, logger *slog.Logger, cfg *config.Config, path, pageURL string) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer fh.Close()
	doc, err := dom.Parse(fh, pageURL)
	if err != nil {
		return err
	}

	if _, err := personalize(ctx, logger, cfg, doc); err != nil {
		return err
	}
	return doc.Render(os.Stdout)
}

func runLive(ctx context.Context, logger *slog.Logger, cfg *config.Config, pageURL string) error {
	stealth := browser.LevelStealth
	if cfg.Browser.NoStealth {
		stealth = browser.LevelPlain
	}
	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Headful:          cfg.Browser.Headful,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Stealth:          stealth,
		NavigateTimeout:  cfg.Browser.NavigateTimeout,
		Logger:           logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	page, err := browser.OpenTab(ctx, mgr, pageURL)
	if err != nil {
		return err
	}
	defer page.Close()

	if _, err := personalize(ctx, logger, cfg, page); err != nil {
		return err
	}
	out, err := page.HTML(ctx)
	if err != nil {
		return err
	}
	_, err = io.WriteString(os.Stdout, out)
	return err
}

// personalize runs one session over doc and logs its outcome.
func personalize(ctx context.Context, logger *slog.Logger, cfg *config.Config, doc dom.Document) (session.Outcome, error) {
	store, closeStore, err := openStorage(cfg)
	if err != nil {
		return session.Outcome{}, err
	}
	defer closeStore()

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return session.Outcome{}, err
	}

	opts := []session.Option{
		session.WithApplier(newApplier(cfg, logger)),
		session.WithCatalogTTL(cfg.Cache.CatalogTTL),
		session.WithAppliedTTL(cfg.Cache.AppliedTTL),
		session.WithLogger(logger),
	}
	if cfg.OrganizationID != "" {
		opts = append(opts, session.WithHostConfig(&pagectx.HostConfig{OrganizationID: cfg.OrganizationID}))
	}

	out := session.New(doc, store, backend, opts...).Run(ctx)
	data, _ := json.Marshal(out)
	logger.Info("persona: outcome", "outcome", json.RawMessage(data))
	return out, nil
}

func runVisual(ctx context.Context, logger *slog.Logger, cfg *config.Config, flowID, message string) error {
	c, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	if c == nil {
		return errors.New("-visual requires an API URL (-api or PERSONA_API_URL)")
	}
	doc, err := dom.ParseString(`<html><body><div id="iw-visual-companion"></div></body></html>`, "")
	if err != nil {
		return err
	}
	container, err := doc.Query(ctx, "#iw-visual-companion")
	if err != nil {
		return err
	}

	rendered := make(chan companion.State, 1)
	ctrl := companion.New(c,
		companion.WithDebounce(cfg.Companion.Debounce),
		companion.WithFade(cfg.Companion.Fade),
		companion.WithLogger(logger),
		companion.WithRenderHook(func(s companion.State) {
			select {
			case rendered <- s:
			default:
			}
		}),
	)
	if err := ctrl.Init(ctx, container, flowID); err != nil {
		return err
	}
	defer ctrl.Destroy()

	ctrl.UpdateVisual(companion.Update{LastUserMessage: message})

	wait := cfg.Companion.Debounce + cfg.API.Timeout*time.Duration(*cfg.API.Retries+1) + cfg.Companion.Fade + time.Second
	select {
	case s := <-rendered:
		md, err := ctrl.VisualMarkdown()
		if err != nil {
			return err
		}
		fmt.Println(s.CurrentVisualHTML)
		fmt.Println()
		fmt.Println(md)
		return nil
	case <-time.After(wait):
		return errors.New("no visual rendered (see log for fetch errors)")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func openStorage(cfg *config.Config) (cache.Storage, func(), error) {
	if cfg.Storage.Driver != config.StorageSQLite {
		return cache.NewMemoryStorage(), func() {}, nil
	}
	s, err := cache.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}

func newClient(cfg *config.Config, logger *slog.Logger) (*client.Client, error) {
	if cfg.API.URL == "" {
		return nil, nil
	}
	return client.New(cfg.API.URL,
		client.WithTimeout(cfg.API.Timeout),
		client.WithRetries(*cfg.API.Retries, cfg.API.Backoff),
		client.WithLogger(logger),
	)
}

// newBackend returns a nil interface, not a typed nil, when no API is set.
func newBackend(cfg *config.Config, logger *slog.Logger) (session.Backend, error) {
	c, err := newClient(cfg, logger)
	if err != nil || c == nil {
		return nil, err
	}
	return c, nil
}

func newApplier(cfg *config.Config, logger *slog.Logger) *applier.Applier {
	poller := &waiter.Poller{
		InitialDelay: cfg.Waiter.InitialDelay,
		Interval:     cfg.Waiter.Interval,
		Logger:       logger,
	}
	var strategy waiter.Strategy = poller
	if cfg.Waiter.Strategy == config.StrategyNotify {
		strategy = waiter.Notify{Fallback: poller, Logger: logger}
	}
	return applier.New(
		applier.WithStrategy(strategy),
		applier.WithTimeout(cfg.Waiter.Timeout),
		applier.WithLogger(logger),
	)
}
