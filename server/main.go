/**
 * SIP conference orchestration and synchronization core.
 * Copyright (C) 2026 vconf authors
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dlintw/goconf"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	conference "github.com/vconf/sip-conference-signaling"
)

var (
	version = "unreleased"

	configFlag = flag.String("config", "focus.conf", "config file to use")

	showVersion = flag.Bool("version", false, "show version and quit")
)

const (
	defaultReadTimeout  = 15
	defaultWriteTimeout = 30
)

// zapPrintfLogger adapts the zap SugaredLogger to the narrow logging
// interface the conference packages use.
type zapPrintfLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapPrintfLogger) Printf(format string, v ...any) {
	l.sugar.Infof(format, v...)
}

func (l *zapPrintfLogger) Println(v ...any) {
	l.sugar.Infoln(v...)
}

func createListener(addr string) (net.Listener, error) {
	if addr[0] == '/' {
		os.Remove(addr)
		return net.Listen("unix", addr)
	}

	return net.Listen("tcp", addr)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sip-conference-focus version %s/%s\n", version, runtime.Version())
		os.Exit(0)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	signal.Notify(sigChan, syscall.SIGTERM)

	fmt.Printf("Starting up version %s/%s as pid %d\n", version, runtime.Version(), os.Getpid())

	config, err := goconf.ReadConfigFile(*configFlag)
	if err != nil {
		fmt.Printf("Could not read configuration: %s\n", err)
		os.Exit(1)
	}

	var logConfig zap.Config
	if debug, _ := config.GetBool("app", "debug"); debug {
		logConfig = zap.NewDevelopmentConfig()
	} else {
		logConfig = zap.NewProductionConfig()
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	log, err := logConfig.Build(
		// Only log stack traces when panicing.
		zap.AddStacktrace(zap.DPanicLevel),
	)
	if err != nil {
		fmt.Printf("Could not create logger: %s\n", err)
		os.Exit(1)
	}

	restoreGlobalLogs := zap.ReplaceGlobals(log)
	defer restoreGlobalLogs()

	logger := &zapPrintfLogger{
		sugar: log.Sugar(),
	}
	ctx := conference.NewLoggerContext(context.Background(), logger)

	natsUrl, _ := conference.GetStringOptionWithEnv(config, "nats", "url")
	if natsUrl == "" {
		natsUrl = nats.DefaultURL
	}

	natsClient, err := conference.NewNatsClient(ctx, natsUrl)
	if err != nil {
		log.Fatal("Could not create NATS client",
			zap.Error(err),
		)
	}

	events, err := conference.NewAsyncEvents(logger, natsClient)
	if err != nil {
		log.Fatal("Could not create async events client",
			zap.Error(err),
		)
	}
	defer events.Close()

	store, err := conference.NewDescriptorStore(logger, config)
	if err != nil {
		log.Fatal("Could not create descriptor store",
			zap.Error(err),
		)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error while closing descriptor store",
				zap.Error(err),
			)
		}
	}()

	scheduler, err := conference.NewScheduler(logger, config, store)
	if err != nil {
		log.Fatal("Could not create scheduler",
			zap.Error(err),
		)
	}
	defer scheduler.Close()

	focus, err := conference.NewFocus(logger, config, scheduler, events)
	if err != nil {
		log.Fatal("Could not create focus",
			zap.Error(err),
		)
	}
	defer focus.Close()

	transport, err := conference.NewSipTransport(logger, config, focus)
	if err != nil {
		log.Fatal("Could not create SIP transport",
			zap.Error(err),
		)
	}
	scheduler.SetInvitationSender(transport)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := transport.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Fatal("Could not start SIP transport",
				zap.Error(err),
			)
		}
	}()

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	if scheduler.Auth() != nil {
		conference.NewAllocationApi(logger, scheduler).RegisterHandlers(r)
	} else {
		log.Warn("No scheduler secret configured, the allocation API is disabled")
	}
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if saddr, _ := conference.GetStringOptionWithEnv(config, "http", "listen"); saddr != "" {
		readTimeout, _ := config.GetInt("http", "readtimeout")
		if readTimeout <= 0 {
			readTimeout = defaultReadTimeout
		}
		writeTimeout, _ := config.GetInt("http", "writetimeout")
		if writeTimeout <= 0 {
			writeTimeout = defaultWriteTimeout
		}

		listener, err := createListener(saddr)
		if err != nil {
			log.Fatal("Could not start listening",
				zap.String("addr", saddr),
				zap.Error(err),
			)
		}
		srv := &http.Server{
			Handler:      r,
			ReadTimeout:  time.Duration(readTimeout) * time.Second,
			WriteTimeout: time.Duration(writeTimeout) * time.Second,
		}
		go func() {
			log.Info("Listening for metrics",
				zap.String("addr", saddr),
			)
			if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				log.Fatal("Could not serve HTTP",
					zap.Error(err),
				)
			}
		}()
		defer srv.Close() // nolint
	}

loop:
	for sig := range sigChan {
		switch sig {
		case os.Interrupt, syscall.SIGTERM:
			log.Info("Interrupted")
			break loop
		}
	}

	cancel()
	if err := transport.Close(); err != nil {
		log.Error("Error closing SIP transport",
			zap.Error(err),
		)
	}
}
