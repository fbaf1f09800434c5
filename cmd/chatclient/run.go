package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-livechat/internal/audio"
	"github.com/npezzotti/go-livechat/internal/chat"
	"github.com/npezzotti/go-livechat/internal/config"
	"github.com/npezzotti/go-livechat/internal/settings"
	"github.com/npezzotti/go-livechat/internal/stats"
	"github.com/spf13/cobra"
)

type runFlags struct {
	configPath string
	envFile    string
	room       int
	debugAddr  string
	captureCmd string
	speechLang string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and join a chatroom",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "env file with LIVECHAT_* variables")
	cmd.Flags().IntVar(&f.room, "room", 0, "chatroom id (default is the last joined room)")
	cmd.Flags().StringVar(&f.debugAddr, "debug-addr", "", "serve /debug/vars on this address")
	cmd.Flags().StringVar(&f.captureCmd, "capture-cmd", "", "command writing 16kHz mono PCM16 to stdout")
	cmd.Flags().StringVar(&f.speechLang, "speech-lang", "", "speech recognition language, e.g. en-US")
	return cmd
}

func run(ctx context.Context, f runFlags, in io.Reader, out io.Writer) error {
	logger := newLogger()

	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	dir := settingsDir
	if dir == "" {
		dir = cfg.SettingsDir
	}
	prefs, err := openSettings(dir, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := prefs.Close(); err != nil {
			logger.Println("settings close:", err)
		}
	}()
	if f.speechLang != "" {
		if err := prefs.Set(settings.KeySpeechLanguage, f.speechLang); err != nil {
			return err
		}
	}

	var su stats.StatsProvider = stats.Nop{}
	if f.debugAddr != "" {
		stop, updater := serveDebug(f.debugAddr, logger)
		defer stop()
		su = updater
	}

	var device audio.Device = audio.NoopDevice{}
	if f.captureCmd != "" {
		parts := strings.Fields(f.captureCmd)
		device = &audio.CommandDevice{Path: parts[0], Args: parts[1:]}
	}

	client, err := chat.NewClient(cfg, chat.Options{Settings: prefs, Device: device, Stats: su}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	roomId := f.room
	if roomId == 0 {
		roomId = settings.Int(prefs, settings.KeyLastChatroom)
	}
	if roomId == 0 {
		return errors.New("no chatroom to join, pass --room")
	}

	t := &terminal{client: client, out: out, redraw: make(chan struct{}, 1)}
	if err := t.join(ctx, roomId); err != nil {
		return err
	}
	return t.loop(ctx, readLines(in))
}

// serveDebug exposes the client stats over HTTP until the returned stop
// func is called.
func serveDebug(addr string, logger *log.Logger) (func(), *stats.StatsUpdater) {
	mux := http.NewServeMux()
	updater := stats.NewStatsUpdater(mux)
	updater.Run()

	srv := &http.Server{
		Addr:    addr,
		Handler: handlers.RecoveryHandler()(handlers.LoggingHandler(logger.Writer(), mux)),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Println("debug server:", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Println("debug server shutdown:", err)
		}
		updater.Stop()
	}, updater
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

