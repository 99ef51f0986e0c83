// Package main is a minimal command-line client built on the ninchat-go
// session engine: it opens a session, logs every inbound event, and
// echoes stdin lines to a channel as send_message actions.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ninchat/ninchat-go"
	"github.com/ninchat/ninchat-go/internal/buildinfo"
	"github.com/ninchat/ninchat-go/internal/config"
	"github.com/ninchat/ninchat-go/internal/connwatch"
	"github.com/ninchat/ninchat-go/internal/diag"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "run":
			runEcho(logger, *configPath, flag.Args()[1:])
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("ninchat-echo - interactive session engine client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run [channel_id]   Open a session and echo stdin to the channel")
	fmt.Println("  version            Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runEcho(logger *slog.Logger, configPath string, args []string) {
	var channelID string
	if len(args) > 0 {
		channelID = args[0]
	}

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
		cfg.ServerHost = "api.ninchat.com"
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
		logger.Info("config loaded", "path", cfgPath, "server_host", cfg.ServerHost)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	// run_id ties every log line from this process invocation together,
	// the same way the server assigns each HTTP conversation a fresh id.
	logger = logger.With("run_id", uuid.New().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	bus := diag.New()
	diagSub := bus.Subscribe(32)
	go func() {
		for ev := range diagSub {
			logger.Debug("diag", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
		}
	}()

	// watchMgr tracks server_host reachability independently of the
	// session's own reconnect loop, so an operator watching logs can
	// tell "the network is down" apart from "the session is retrying".
	watchMgr := connwatch.NewManager(logger)
	watchMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "server_host",
		Probe: func(probeCtx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(probeCtx, "tcp", net.JoinHostPort(cfg.ServerHost, "443"))
			if err != nil {
				return err
			}
			return conn.Close()
		},
		Backoff: connwatch.BackoffConfig{
			InitialDelay: time.Duration(cfg.Backoff.InitialDelaySec) * time.Second,
			MaxDelay:     time.Duration(cfg.Backoff.MaxDelaySec) * time.Second,
			Multiplier:   cfg.Backoff.Multiplier,
			MaxRetries:   cfg.Backoff.MaxRetries,
			PollInterval: time.Duration(cfg.Backoff.PollIntervalSec) * time.Second,
		},
		OnDown: func(err error) {
			logger.Warn("server host unreachable", "server_host", cfg.ServerHost, "error", err)
		},
		OnReady: func() {
			logger.Info("server host reachable", "server_host", cfg.ServerHost)
		},
		Logger: logger,
	})
	defer watchMgr.Stop()

	sess := ninchat.New(
		ninchat.WithServerHost(cfg.ServerHost),
		ninchat.WithRetryPolicy(cfg.RetryCount, cfg.RetryTimeout()),
		ninchat.WithLogger(logger),
		ninchat.WithDiagnostics(bus),
	)

	sess.OnSessionEvent = func(params map[string]any) {
		logger.Info("session event", "params", params)
	}
	sess.OnEvent = func(params map[string]any, payload [][]byte, lastReply bool) {
		logger.Info("event", "event", params["event"], "last_reply", lastReply)
	}
	sess.OnConnState = func(state ninchat.ConnState) {
		logger.Info("connection state", "state", state.String())
	}
	sess.OnClose = func() {
		logger.Info("session closed")
	}

	openCtx, openCancel := context.WithTimeout(ctx, 30*time.Second)
	defer openCancel()
	if err := sess.Open(openCtx); err != nil {
		logger.Error("failed to open session", "error", err)
		os.Exit(1)
	}
	logger.Info("session open", "version", buildinfo.Version)

	go readStdinAndSend(ctx, logger, sess, channelID)

	<-ctx.Done()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := sess.Close(closeCtx); err != nil {
		logger.Error("failed to close session cleanly", "error", err)
	}
}

func readStdinAndSend(ctx context.Context, logger *slog.Logger, sess *ninchat.Session, channelID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		payload, err := json.Marshal(map[string]string{"text": line})
		if err != nil {
			logger.Error("failed to encode message payload", "error", err)
			continue
		}

		params := map[string]any{
			"action":       "send_message",
			"message_type": "ninchat.com/text",
		}
		if channelID != "" {
			params["channel_id"] = channelID
		}

		_, err = sess.Send(params, [][]byte{payload}, func(replyParams map[string]any, replyPayload [][]byte, final bool) {
			if errType := errorTypeOf(replyParams); errType != "" {
				logger.Error("send_message failed", "error_type", errType)
				return
			}
			logger.Debug("send_message acked", "final", final)
		})
		if err != nil {
			logger.Error("failed to send message", "error", err)
		}
	}
}

func errorTypeOf(params map[string]any) string {
	if params == nil {
		return ""
	}
	t, _ := ninchat.StringParam(params, "error_type")
	return t
}
