package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/lumberjack/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/patdz/aria2rpc"
	"github.com/patdz/aria2rpc/config"
	"github.com/patdz/aria2rpc/engine"
	"github.com/patdz/aria2rpc/launch"
	"github.com/patdz/aria2rpc/power"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 10 * time.Second
	sinkSize        = 64
)

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "aria2rpc", "config.yaml")
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")

	flag.Parse()

	if *showVersion {
		fmt.Printf("aria2d v%s\n", version)
		os.Exit(0)
	}

	argv := append([]string{os.Args[0]}, flag.Args()...)
	if err := run(*configPath, *logLevel, argv); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(dir, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.WithStack(err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create log dir %s", dir)
	}
	ljLogger := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "aria2d.log"),
		MaxSize:    10,
		MaxBackups: 3,
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, ljLogger))
	return nil
}

func run(configPath, logLevel string, argv []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.LogDir, logLevel); err != nil {
		return err
	}

	sink := aria2rpc.NewChanSink(sinkSize)
	sup := engine.New(cfg, engine.Options{Sink: sink})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sup.HandleIntent(sctx, engine.IntentQuit); err != nil {
			logrus.Errorf("shutdown: %v", err)
		}
	}()

	client, err := sup.Client()
	if err != nil {
		return err
	}

	d := &daemon{client: client}
	if cfg.PreventSleep {
		logind, err := power.NewLogind()
		if err != nil {
			logrus.Warnf("sleep prevention unavailable: %v", err)
		} else {
			defer logind.Close()
			d.inhibitor = power.NewInhibitor(logind)
			defer d.inhibitor.Allow()
		}
	}

	d.addDownloads(ctx, launch.ParseArgs(argv))
	if cfg.AutoSyncTracker {
		go d.syncTrackers(ctx, cfg.TrackerSource)
	}

	for {
		select {
		case sig := <-signals:
			switch sig {
			case syscall.SIGUSR1:
				logIntentError(sup.HandleIntent(ctx, engine.IntentPauseAll))
			case syscall.SIGUSR2:
				logIntentError(sup.HandleIntent(ctx, engine.IntentResumeAll))
			default:
				logrus.Infof("received %v, shutting down", sig)
				return nil
			}
		case status := <-sink.StatusChan:
			logrus.Infof("engine connection %s", status)
		case ev := <-sink.EventChan:
			d.handleEvent(ctx, ev)
		case <-client.Done():
			return errors.Wrap(client.Err(), "engine connection lost")
		case <-sup.Exited():
			return errors.New("engine exited unexpectedly")
		}
	}
}

func logIntentError(err error) {
	if err != nil {
		logrus.Warnf("intent: %v", err)
	}
}
