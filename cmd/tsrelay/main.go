/*
DESCRIPTION
  tsrelay is the live MPEG-TS relay/splicer entrypoint: it wires the relay
  pipeline and its HTTP control API together, serves them until an OS signal
  arrives, and reports readiness to systemd via sd_notify where available.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Alan Noble <alan@ausocean.org>
  Dan Kortschak <dan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package tsrelay is the live MPEG-TS relay/splicer entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/tsrelay/controlapi"
	"github.com/ausocean/tsrelay/relay"
	"github.com/ausocean/tsrelay/relay/config"
)

// Current software version.
const version = "v0.1.0"

// Logging configuration, per the toolkit's own lumberjack + logging.New
// wiring in cmd/rv and cmd/looper.
const (
	logPath      = "/var/log/tsrelay/tsrelay.log"
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logVerbosity = logging.Info
	logSuppress  = true
)

// watchdogInterval is how often sd_notify WATCHDOG=1 is sent once started,
// kept comfortably under a typical systemd WatchdogSec.
const watchdogInterval = 10 * time.Second

// shutdownTimeout bounds how long graceful shutdown of the HTTP server is
// given before main returns anyway.
const shutdownTimeout = 5 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "show version")
	envFile := flag.String("env", ".env", "path to a .env file of relay settings")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}
	log := logging.New(logVerbosity, io.MultiWriter(fileLog, os.Stderr), logSuppress)
	log.Info("starting tsrelay", "version", version)

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Warning("tsrelay: could not load env file", "path", *envFile, "error", err.Error())
	}
	cfg := config.Load()

	api := controlapi.New(nil, nil, cfg.ControllerURL, log)
	r := relay.New(cfg, api, log)
	api.Wire(r.Controller, r.Output)

	r.Start()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: api.Handler(),
	}
	go func() {
		log.Info("tsrelay: control API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("tsrelay: control API stopped", "error", err.Error())
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("tsrelay: sd_notify ready failed", "error", err.Error())
	} else if ok {
		log.Debug("tsrelay: notified systemd ready")
		go watchdog(log)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("tsrelay: shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warning("tsrelay: control API shutdown error", "error", err.Error())
	}
	r.Stop()
	log.Info("tsrelay: stopped")
}

// watchdog pings systemd's watchdog on a fixed interval for as long as the
// process runs, per daemon.SdNotify's WATCHDOG=1 contract.
func watchdog(log logging.Logger) {
	t := time.NewTicker(watchdogInterval)
	defer t.Stop()
	for range t.C {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
			log.Debug("tsrelay: sd_notify watchdog failed", "error", err.Error())
		}
	}
}
