package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/erm-cli/config"
	"github.com/go-authgate/erm-cli/tui"
)

var (
	env               config.EnvSource
	logger            zerolog.Logger
	configInitialized bool
	retryClient       *retry.Client

	flagClientID      *string
	flagAuthEndpoint  *string
	flagTokenEndpoint *string
	flagRedirectURI   *string
	flagScope         *string
	flagIssuer        *string
	flagGraphQL       *string
	flagSessionDir    *string
	flagEphemeral     *bool
	flagDiscover      *bool
	flagVerify        *bool
	flagVerifyQuery   *string
	flagTimeout       *time.Duration
	flagQuery         *string
	flagVariables     *string
)

// Timeout configuration for different operations
const (
	discoveryTimeout      = 15 * time.Second
	verificationTimeout   = 30 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

const usage = `Usage: erm-cli [flags] [command]

Commands:
  login    sign in through the browser (default)
  logout   clear the session for every process sharing the session directory
  status   show whether a session is held
  query    run a GraphQL request: -q '<document>' [-vars '<json>']
  watch    print session changes made by other processes

Flags:
`

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagClientID = flag.String("client-id", "", "OIDC client ID (or OIDC_CLIENT_ID env)")
	flagAuthEndpoint = flag.String(
		"authorization-endpoint",
		"",
		"OIDC authorization endpoint (or OIDC_AUTHORIZATION_ENDPOINT env)",
	)
	flagTokenEndpoint = flag.String("token-endpoint", "", "OIDC token endpoint (or OIDC_TOKEN_ENDPOINT env)")
	flagRedirectURI = flag.String(
		"redirect-uri",
		"",
		"loopback redirect URI registered for the client (or OIDC_REDIRECT_URI env)",
	)
	flagScope = flag.String("scope", "", "space separated scopes (or OIDC_SCOPE env)")
	flagIssuer = flag.String("issuer", "", "OIDC issuer (or OIDC_ISSUER env)")
	flagGraphQL = flag.String(
		"graphql-endpoint",
		"",
		"GraphQL HTTP endpoint (default: "+config.DefaultGraphQLEndpoint+" or GRAPHQL_HTTP_ENDPOINT env)",
	)
	flagSessionDir = flag.String(
		"session-dir",
		"",
		"session storage directory (default: "+config.DefaultSessionDir+" or SESSION_DIR env)",
	)
	flagEphemeral = flag.Bool("ephemeral", false, "keep the session in memory only")
	flagDiscover = flag.Bool("discover", true, "fetch provider metadata to verify ID tokens")
	flagVerify = flag.Bool("verify", true, "check the session against the GraphQL API after login")
	flagVerifyQuery = flag.String("verify-query", "query Viewer { __typename }", "GraphQL document used by -verify")
	flagTimeout = flag.Duration("timeout", 5*time.Minute, "how long to wait for the browser redirect")
	flagQuery = flag.String("q", "", "GraphQL document for the query command")
	flagVariables = flag.String("vars", "", "JSON object of variables for the query command")

	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
}

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Parse()

	// Priority: flag > env > default
	env = config.Environ().Override(map[string]string{
		config.KeyClientID:              *flagClientID,
		config.KeyAuthorizationEndpoint: *flagAuthEndpoint,
		config.KeyTokenEndpoint:         *flagTokenEndpoint,
		config.KeyRedirectURI:           *flagRedirectURI,
		config.KeyScope:                 *flagScope,
		config.KeyIssuer:                *flagIssuer,
		config.KeyGraphQLEndpoint:       *flagGraphQL,
		config.KeySessionDir:            *flagSessionDir,
	})

	logger = newLogger(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	// Initialize HTTP client with retry support
	baseHTTPClient := newHTTPClient()

	// Wrap with retry logic using go-httpretry
	var err error
	retryClient, err = retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create retry client: %v", err))
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
}

// newLogger writes human readable logs to w unless format is "json".
// The level defaults to warn so that log lines do not drown the TUI.
func newLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}

	if !strings.EqualFold(format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// validateEndpointURL validates that an endpoint URL is properly formatted
func validateEndpointURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("endpoint URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	initConfig()

	command := flag.Arg(0)
	if command == "" {
		command = "login"
	}

	if command == "login" && isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		// Log lines would tear the TUI; keep only errors.
		logger = logger.Level(max(logger.GetLevel(), zerolog.ErrorLevel))
		runErr := run(command, d)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
		return
	}

	d := tui.NewPlainDisplayer(os.Stderr)
	if command == "login" {
		d.Banner()
	}
	if err := run(command, d); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(command string, d tui.Displayer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(env, appOptions{
		ephemeral: *flagEphemeral,
		retry:     retryClient,
		log:       logger,
	})
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer a.Close()

	switch command {
	case "login":
		err = runLogin(ctx, a, d, loginOptions{
			discover:    *flagDiscover,
			verify:      *flagVerify,
			verifyQuery: *flagVerifyQuery,
			timeout:     *flagTimeout,
		})
	case "logout":
		err = runLogout(a, d)
	case "status":
		err = runStatus(a, os.Stdout)
	case "query":
		err = runQuery(ctx, a, d, os.Stdout, *flagQuery, *flagVariables)
	case "watch":
		err = runWatch(ctx, a, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		return errUsage
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug().Err(err).Str("command", command).Msg("command failed")
	}
	return err
}
