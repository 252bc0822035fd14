package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"authnyc/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHNYC_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "connect" {
		command = "connect"
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
		commandArgs = commandArgs[1:]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		key := cfg.Auth.ProviderKey
		if len(commandArgs) > 0 {
			key = commandArgs[0]
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, key, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", key, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", key)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error("close app", "error", err)
		}
	}()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "public_url", cfg.Server.PublicURL)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runConnect discovers the provider seeded under key and follows its
// authorization redirect until the login page answers.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, key string, httpClient *http.Client) error {
	if key == "" {
		return errors.New("provider key required")
	}

	var seed *server.ProviderSeed
	for i := range cfg.Providers {
		if cfg.Providers[i].Key == key {
			seed = &cfg.Providers[i]
			break
		}
	}
	if seed == nil {
		return fmt.Errorf("provider %s not configured", key)
	}

	client := httpClient
	if client == nil {
		client = server.NewHTTPClient(cfg.Auth.HTTPTimeout)
	}

	registry := server.NewProviderRegistry(nil, client, logger)
	pc, err := registry.Discover(ctx, seed.DiscoveryURL, server.ClientCredentials{
		ClientID:     seed.ClientID,
		ClientSecret: seed.ClientSecret,
		RedirectURI:  seed.RedirectURI,
	})
	if err != nil {
		return fmt.Errorf("discover %s: %w", key, err)
	}

	authURL := server.AuthCodeURL(pc, server.NewID(), oauth2.GenerateVerifier())
	logger.Info("connect.start", "provider", key, "auth_url", authURL)
	logger.Info("connect.instructions", "provider", key, "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", key, "message", "Reached provider login endpoint")
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := server.NewHTTPClient(5 * time.Second)
	logger.Info("validating provider discovery URLs...")

	for _, p := range cfg.Providers {
		if err := validateURL(ctx, client, p.DiscoveryURL); err != nil {
			logger.Error("provider discovery URL validation failed", "provider", p.Key, "url", p.DiscoveryURL, "error", err)
		} else {
			logger.Info("provider discovery URL is accessible", "provider", p.Key, "url", p.DiscoveryURL)
		}
	}

	if cfg.Auth.EnvFile != "" {
		if _, err := server.LoadSettings(cfg.Auth.EnvFile); err != nil {
			return err
		}
		logger.Info("static provider settings are complete", "file", cfg.Auth.EnvFile)
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateURL(ctx context.Context, client *http.Client, urlStr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup for an Auth0 (or any OIDC) tenant. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, out, "Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. auth.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
		cfg.Sessions.Backend = ask(reader, out, "Session backend (memory, redis)", "redis")
		if cfg.Sessions.Backend == "redis" {
			cfg.Sessions.Redis.Addr = ask(reader, out, "Redis address", cfg.Sessions.Redis.Addr)
		}
	}

	key := ask(reader, out, "Provider key", cfg.Auth.ProviderKey)
	tenant := strings.TrimSuffix(askRequired(reader, out, "Tenant domain (e.g. tenant.us.auth0.com)"), "/")
	if !strings.HasPrefix(tenant, "http://") && !strings.HasPrefix(tenant, "https://") {
		tenant = "https://" + tenant
	}
	discovery := ask(reader, out, "Discovery URL", tenant+"/.well-known/openid-configuration")
	clientID := askRequired(reader, out, "Application client ID")
	clientSecret := ask(reader, out, "Application client secret", "")
	redirectURI := ask(reader, out, "Redirect URI", cfg.Server.PublicURL+"/callback")

	cfg.Auth.ProviderKey = key
	cfg.Providers = []server.ProviderSeed{{
		Key:          key,
		DiscoveryURL: discovery,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
	}}

	if askYesNo(reader, out, "Configure Management API credentials for profile edits?", false) {
		apiKey := key + "-api"
		cfg.Auth.APIProviderKey = apiKey
		cfg.APIProviders = []server.APIProviderSeed{{
			Key:          apiKey,
			Domain:       strings.TrimPrefix(tenant, "https://"),
			ClientID:     askRequired(reader, out, "Management API client ID"),
			ClientSecret: askRequired(reader, out, "Management API client secret"),
			Audience:     ask(reader, out, "Management API audience", "https://{}/api/v2/"),
		}}
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			// input closed; nothing more will arrive
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
