// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/containers/irqbalanced/pkg/balance"
	"github.com/containers/irqbalanced/pkg/healthz"
	xhttp "github.com/containers/irqbalanced/pkg/http"
	logger "github.com/containers/irqbalanced/pkg/log"
	"github.com/containers/irqbalanced/pkg/pidfile"
)

var log = logger.Default()

func main() {
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if args := flag.Args(); len(args) > 0 {
		log.Error("unknown command line arguments: %s", strings.Join(args, ","))
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := balance.ResolveConfig()
	if err != nil {
		log.Error("%v", err)
		flag.Usage()
		os.Exit(1)
	}

	if cfg.Debug {
		logger.EnableDebug("all")
	}
	pidfile.SetPath(cfg.PidFile)

	log.Info("irqbalanced starting...")

	b, err := balance.New(*cfg)
	if err != nil {
		log.Fatal("failed to create balancer: %v", err)
	}

	srv := xhttp.NewServer()
	prometheus.MustRegister(balance.NewCollector(b))
	srv.GetMux().Handle("/metrics", promhttp.Handler())
	healthz.RegisterHealthChecker("balance", b.HealthCheck)
	healthz.Setup(srv.GetMux())
	if err := srv.Start(cfg.InstrumentationAddr); err != nil {
		log.Error("failed to start instrumentation endpoint: %v", err)
	}
	defer srv.Stop()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	go func() {
		for sig := range sigs {
			switch sig {
			case unix.SIGHUP:
				b.TriggerRescan()
			default:
				b.Shutdown()
			}
		}
	}()

	if err := b.Run(); err != nil {
		log.Fatal("balancer failed: %v", err)
	}

	log.Info("shut down")
	logger.Flush()
}
