package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/testpulse/testpulse/internal/channel"
)

const EnvVarPrefix = "TESTPULSE_WATCHER"

func prefixEnvVar(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	URLFlag = &cli.StringFlag{
		Name:    "url",
		Value:   "ws://localhost:8080/ws",
		EnvVars: prefixEnvVar("URL"),
		Usage:   "Hub websocket address",
	}
	BaseDelayFlag = &cli.DurationFlag{
		Name:    "base-delay",
		Value:   time.Second,
		EnvVars: prefixEnvVar("BASE_DELAY"),
		Usage:   "Delay before the first reconnect attempt",
	}
	MaxDelayFlag = &cli.DurationFlag{
		Name:    "max-delay",
		Value:   30 * time.Second,
		EnvVars: prefixEnvVar("MAX_DELAY"),
		Usage:   "Upper bound for the reconnect delay",
	}
	MaxAttemptsFlag = &cli.IntFlag{
		Name:    "max-attempts",
		Value:   5,
		EnvVars: prefixEnvVar("MAX_ATTEMPTS"),
		Usage:   "Consecutive failed connection attempts before giving up",
	}
	PingIntervalFlag = &cli.DurationFlag{
		Name:    "ping-interval",
		Value:   25 * time.Second,
		EnvVars: prefixEnvVar("PING_INTERVAL"),
		Usage:   "Keep-alive ping interval. 0 disables pings",
	}
	DialTimeoutFlag = &cli.DurationFlag{
		Name:    "dial-timeout",
		Value:   10 * time.Second,
		EnvVars: prefixEnvVar("DIAL_TIMEOUT"),
		Usage:   "Timeout for a single connection attempt",
	}
	TokenURLFlag = &cli.StringFlag{
		Name:    "token-url",
		EnvVars: prefixEnvVar("TOKEN_URL"),
		Usage:   "OAuth2 token endpoint. Empty connects without a bearer token",
	}
	ClientIDFlag = &cli.StringFlag{
		Name:    "client-id",
		EnvVars: prefixEnvVar("CLIENT_ID"),
		Usage:   "OAuth2 client id",
	}
	ClientSecretFlag = &cli.StringFlag{
		Name:    "client-secret",
		EnvVars: prefixEnvVar("CLIENT_SECRET"),
		Usage:   "OAuth2 client secret",
	}
	ScopesFlag = &cli.StringSliceFlag{
		Name:    "scope",
		EnvVars: prefixEnvVar("SCOPES"),
		Usage:   "OAuth2 scopes to request",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "testpulse-watcher"
	app.Usage = "Follow test runs on the testpulse hub"
	app.Flags = []cli.Flag{
		URLFlag,
		BaseDelayFlag,
		MaxDelayFlag,
		MaxAttemptsFlag,
		PingIntervalFlag,
		DialTimeoutFlag,
		TokenURLFlag,
		ClientIDFlag,
		ClientSecretFlag,
		ScopesFlag,
	}
	app.Action = watch
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watch(cliCtx *cli.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := channel.Config{
		BaseDelay:    cliCtx.Duration(BaseDelayFlag.Name),
		MaxDelay:     cliCtx.Duration(MaxDelayFlag.Name),
		MaxAttempts:  cliCtx.Int(MaxAttemptsFlag.Name),
		PingInterval: cliCtx.Duration(PingIntervalFlag.Name),
		DialTimeout:  cliCtx.Duration(DialTimeoutFlag.Name),
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid channel config: %w", err)
	}

	header, err := bearerHeader(cliCtx)
	if err != nil {
		return err
	}
	dialer := channel.WebsocketDialer{
		Dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		Header: header,
	}

	unavailable := make(chan error, 1)
	client, err := channel.NewClient(cfg, dialer,
		channel.WithLogger(logger),
		channel.WithHandlers(channel.Handlers{
			OnMessage: func(msg channel.Message, view channel.View) {
				logView(logger, msg.Type, view)
			},
			OnTerminal: func(err error) {
				select {
				case unavailable <- err:
				default:
				}
			},
		}),
	)
	if err != nil {
		return err
	}

	target := strings.TrimSpace(cliCtx.String(URLFlag.Name))
	logger.Info("watching hub", "url", target, "max_attempts", cfg.MaxAttempts)
	client.SetTarget(target)
	defer client.Disconnect()

	select {
	case <-ctx.Done():
		return nil
	case err := <-unavailable:
		logger.Error("live updates unavailable", "url", target, "attempts", client.Attempt(), "error", err)
		if errors.Is(err, channel.ErrReconnectExhausted) {
			return errors.New("live updates unavailable")
		}
		return err
	}
}

// bearerHeader returns nil when no token endpoint is configured.
func bearerHeader(cliCtx *cli.Context) (func(context.Context) (http.Header, error), error) {
	tokenURL := strings.TrimSpace(cliCtx.String(TokenURLFlag.Name))
	if tokenURL == "" {
		return nil, nil
	}
	clientID := strings.TrimSpace(cliCtx.String(ClientIDFlag.Name))
	if clientID == "" {
		return nil, errors.New("--client-id is required with --token-url")
	}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: cliCtx.String(ClientSecretFlag.Name),
		TokenURL:     tokenURL,
		Scopes:       cliCtx.StringSlice(ScopesFlag.Name),
	}
	source := oauth2.ReuseTokenSource(nil, cc.TokenSource(context.Background()))
	return func(ctx context.Context) (http.Header, error) {
		token, err := source.Token()
		if err != nil {
			return nil, fmt.Errorf("fetch token: %w", err)
		}
		h := http.Header{}
		token.SetAuthHeader(&http.Request{Header: h})
		return h, nil
	}, nil
}

func logView(logger *slog.Logger, t channel.MessageType, view channel.View) {
	switch t {
	case channel.TypePong:
		return
	case channel.TypeDashboardRefresh:
		if view.LastRerunTestID != "" {
			logger.Info("rerun finished", "test_id", view.LastRerunTestID)
		}
		return
	case channel.TypeDiscoveryCompleted:
		if d := view.LastDiscovery; d != nil {
			logger.Info("discovery completed", "tests", d.TotalTests, "files", d.TotalFiles, "added", d.Added, "removed", d.Removed)
		}
		return
	}

	ids := make([]string, 0, len(view.Executions))
	for id := range view.Executions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	runs := make([]string, 0, len(ids))
	for _, id := range ids {
		exec := view.Executions[id]
		entry := string(exec.Kind) + ":" + exec.ScopeKey
		if p, ok := view.Progress[id]; ok {
			entry += fmt.Sprintf(" %d/%d (%.0f%%) failed=%d", p.CompletedTests, p.TotalTests, p.Percent(), p.FailedTests)
		}
		runs = append(runs, entry)
	}
	logger.Info("hub update", "type", t, "running", view.IsRunning, "runs", runs)
}
