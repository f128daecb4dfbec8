package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"docgate/auth"
	"docgate/server"
)

type cliOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logger     *slog.Logger
	stdin      io.Reader
	stdout     io.Writer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{
		configPath: envOr("DOCGATE_CONFIG", "./config.yaml"),
		envFile:    envOr("DOCGATE_ENV_FILE", ".env"),
		logLevel:   envOr("DOCGATE_LOG_LEVEL", "info"),
		stdin:      os.Stdin,
		stdout:     os.Stdout,
	}

	root := &cobra.Command{
		Use:           "docgate",
		Short:         "Single sign-on gate for the document Q&A service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			opts.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)

			if err := server.LoadEnvFile(opts.envFile, cmd.Flags().Changed("env-file")); err != nil {
				opts.logger.Error("load env file failed", "path", opts.envFile, "error", err)
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", opts.configPath, "Path to YAML config (env DOCGATE_CONFIG)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", opts.envFile, "Dotenv file with secrets (env DOCGATE_ENV_FILE)")
	root.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", opts.logLevel, "Logging level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gate (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Guided creation of config.yaml and the secrets file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runConfigInit(opts); err != nil {
				opts.logger.Error("config init failed", "error", err)
				return err
			}
			opts.logger.Info("configuration initialized successfully", "path", opts.configPath)
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and check the identity provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runConfigValidate(cmd.Context(), opts); err != nil {
				opts.logger.Error("config validation failed", "error", err)
				return err
			}
			opts.logger.Info("configuration is valid", "path", opts.configPath)
			return nil
		},
	})

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Resolve provider discovery and reach its login page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runConnect(ctx, cfg, opts.logger, nil); err != nil {
				opts.logger.Error("provider connectivity failed", "issuer", cfg.OIDC.Issuer(), "error", err)
				return err
			}
			opts.logger.Info("provider connectivity succeeded", "issuer", cfg.OIDC.Issuer())
			return nil
		},
	}

	root.AddCommand(serveCmd, configCmd, connectCmd)
	return root
}

func runServe(parent context.Context, opts *cliOptions) error {
	logger := opts.logger
	cfg, err := loadConfig(opts.configPath, logger)
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backends are only checked; a cold backend must not keep the gate down.
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	validateBackends(checkCtx, cfg, logger, logger.Warn)
	cancel()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("init app failed", "error", err)
		return fmt.Errorf("init app: %w", err)
	}
	handler := application.Routes()

	var shutdownFns []func(context.Context) error
	errCh := make(chan error, 3)

	if addr := cfg.Server.MetricsListenAddr; addr != "" {
		metricsSrv := &http.Server{
			Addr:              addr,
			Handler:           application.Metrics.Handler(),
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, metricsSrv.Shutdown)
		logger.Info("metrics listening", "addr", addr)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "public_url", cfg.Server.PublicURL)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server: %w", err)
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
			NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http redirect: %w", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	logger.Info("server stopped")
	return runErr
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

// runConnect resolves the provider's discovery document, builds a real
// authorization request and follows it until the provider's login page (or
// an immediate redirect back to us) is reached.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	md, err := auth.NewResolver(client, logger).Resolve(ctx, cfg.OIDC.Issuer())
	if err != nil {
		return fmt.Errorf("resolve discovery: %w", err)
	}
	logger.Info("connect.discovery",
		"issuer", md.Issuer,
		"authorization_endpoint", md.AuthorizationEndpoint,
		"token_endpoint", md.TokenEndpoint,
		"userinfo_endpoint", md.UserinfoEndpoint,
		"end_session_endpoint", md.EndSessionEndpoint,
		"pkce", md.SupportsPKCE(),
	)

	req, err := auth.BuildAuthorizationRequest(cfg.OIDC.OAuthConfig(), md)
	if err != nil {
		return fmt.Errorf("build authorization request: %w", err)
	}
	logger.Info("connect.start", "authorization_endpoint", md.AuthorizationEndpoint)

	redirectURI := cfg.OIDC.RedirectURI
	noFollow := *client
	noFollow.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", withoutQuery(r.URL))
		if redirectURI != "" && strings.HasPrefix(r.URL.String(), redirectURI) {
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := noFollow.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", withoutQuery(resp.Request.URL))

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, withoutQuery(resp.Request.URL))
	case resp.StatusCode >= 300:
		loc, err := url.Parse(resp.Header.Get("Location"))
		if err != nil {
			return fmt.Errorf("parse redirect: %w", err)
		}
		if code := loc.Query().Get("error"); code != "" {
			return fmt.Errorf("provider rejected the authorization request: %s", code)
		}
		if !strings.HasPrefix(loc.String(), redirectURI) {
			return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
		}
	}

	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

// withoutQuery drops the query string, which may carry state or a code.
func withoutQuery(u *url.URL) string {
	return u.Scheme + "://" + u.Host + u.Path
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'docgate config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(opts *cliOptions) error {
	if _, err := os.Stat(opts.configPath); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", opts.configPath)
	}
	_, err := runSetup(opts)
	return err
}

func runConfigValidate(ctx context.Context, opts *cliOptions) error {
	logger := opts.logger
	cfg, err := loadConfig(opts.configPath, logger)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	logger.Info("validating identity provider...")
	md, err := auth.NewResolver(&http.Client{Timeout: cfg.OIDC.HTTPTimeout}, logger).Resolve(ctx, cfg.OIDC.Issuer())
	if err != nil {
		return fmt.Errorf("identity provider %s: %w", cfg.OIDC.Issuer(), err)
	}
	logger.Info("identity provider is usable", "issuer", md.Issuer, "pkce", md.SupportsPKCE())

	validateBackends(ctx, cfg, logger, logger.Error)
	logger.Info("configuration validation complete")
	return nil
}

// validateBackends checks every proxy target and reports failures through
// report, so callers decide how loud an unreachable backend is.
func validateBackends(ctx context.Context, cfg server.Config, logger *slog.Logger, report func(string, ...any)) {
	for i, route := range cfg.Proxy.Routes {
		if err := validateURL(ctx, route.Target, route.InsecureSkipVerify); err != nil {
			report("proxy backend URL may not be accessible",
				"index", i,
				"path_prefix", route.PathPrefix,
				"target", route.Target,
				"error", err,
			)
			continue
		}
		logger.Debug("proxy backend URL is accessible", "path_prefix", route.PathPrefix, "target", route.Target)
	}
}

func validateURL(ctx context.Context, urlStr string, insecure bool) error {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Timeout: 5 * time.Second, Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

// runSetup asks for the provider registration and group mapping, writes the
// YAML config and keeps the secrets in the dotenv file.
func runSetup(opts *cliOptions) (server.Config, error) {
	reader := bufio.NewReader(opts.stdin)
	out := opts.stdout
	fmt.Fprintf(out, "No configuration file found at %s.\n", opts.configPath)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, out, "Gate public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, out, "Public domain (e.g. docs.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.OIDC.IssuerURL = askRequired(reader, out, "Identity provider issuer URL")
	if strings.Contains(cfg.OIDC.IssuerURL, "login.microsoftonline.com") {
		cfg.OIDC.TenantID = ask(reader, out, "Microsoft Entra tenant ID", "")
	}
	cfg.OIDC.ClientID = askRequired(reader, out, "Client ID registered with the provider")
	clientSecret := ask(reader, out, "Client secret (leave empty for a public client)", "")
	cfg.OIDC.GroupsClaim = ask(reader, out, "Groups claim", cfg.OIDC.GroupsClaim)

	cfg.Authorization.AdministratorGroups = normalizeList(ask(reader, out, "Administrator groups (comma separated)", ""), nil)
	cfg.Authorization.StandardGroups = normalizeList(askRequired(reader, out, "Standard user groups (comma separated)"), nil)

	backend := ask(reader, out, "Q&A backend URL", "http://127.0.0.1:8501")
	cfg.Proxy.Routes = []server.ProxyRoute{{PathPrefix: "/", Target: backend}}

	cookieSecret, err := randomSecret(32)
	if err != nil {
		return server.Config{}, err
	}

	if err := writeConfigFile(opts.configPath, cfg); err != nil {
		return server.Config{}, err
	}
	secrets := map[string]string{"DOCGATE_SESSIONS_COOKIE_SECRET": cookieSecret}
	if clientSecret != "" {
		secrets["DOCGATE_OIDC_CLIENT_SECRET"] = clientSecret
	}
	if err := writeEnvFile(opts.envFile, secrets); err != nil {
		return server.Config{}, err
	}
	opts.logger.Info("configuration created", "path", opts.configPath, "secrets", opts.envFile)

	if err := server.LoadEnvFile(opts.envFile, true); err != nil {
		return server.Config{}, err
	}
	return server.LoadConfig(opts.configPath)
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
		default:
			if err != nil {
				return def
			}
			fmt.Fprintln(out, "Please enter 'y' or 'n'.")
		}
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

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// writeEnvFile merges secrets into the dotenv file, keeping existing keys.
func writeEnvFile(path string, secrets map[string]string) error {
	existing, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read env file: %w", err)
		}
		existing = map[string]string{}
	}
	for k, v := range secrets {
		existing[k] = v
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if err := godotenv.Write(existing, path); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return os.Chmod(path, 0o600)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
