/*
Copyright 2026 The Swiped Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The swiped command runs the download orchestration engine: the HTTP
// surface for task intake and swipe actions, the four scheduler ticks
// that drive approved tasks to completion, and the singleton proxy VM
// those ticks rent and destroy on demand.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/loccen/swiped/internal/config"
	"github.com/loccen/swiped/pkg/cloudclient"
	"github.com/loccen/swiped/pkg/daemonrpc"
	"github.com/loccen/swiped/pkg/driveclient"
	"github.com/loccen/swiped/pkg/httpapi"
	"github.com/loccen/swiped/pkg/proxyinstance"
	"github.com/loccen/swiped/pkg/scheduler"
	"github.com/loccen/swiped/pkg/store"
	"github.com/loccen/swiped/pkg/taskengine"
)

var (
	flagConfig = flag.String("config", "swiped.json", "path to the JSON configuration file")
	flagListen = flag.String("listen", ":8000", "HTTP listen address")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("swiped: %v", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("swiped: %v", err)
	}
	defer st.Close()

	// Record the effective tuning knobs so the dashboard reports the
	// values this process is actually running with.
	for key, value := range map[string]int{
		"aggregation_window_minutes": cfg.AggregationWindowMinutes,
		"batch_task_threshold":       cfg.BatchTaskThreshold,
		"idle_destroy_minutes":       cfg.IdleDestroyMinutes,
	} {
		if err := st.Config().SetInt(context.Background(), key, value); err != nil {
			log.Fatalf("swiped: %v", err)
		}
	}

	drive := driveclient.New(cfg.PikPakUsername, cfg.PikPakPassword)
	daemon := daemonrpc.New(cfg.Aria2RPCURL, cfg.Aria2RPCSecret)
	cloud := cloudclient.New(cfg.LinodeToken, cfg.LinodeRegion, cfg.LinodeType)

	proxy := proxyinstance.New(st, cloud, daemon, cfg.Socks5Port, cfg.Socks5Username, cfg.Socks5Password)
	engine := taskengine.New(st, drive, daemon, proxy, cfg.DownloadBasePath)
	sched := scheduler.New(engine, proxy)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := proxy.ReconcileOnStartup(ctx); err != nil {
		// Startup reconcile failing (cloud API unreachable, say) is not
		// fatal: the ticks re-converge once the provider answers again.
		log.Printf("swiped: %v", err)
	}

	sched.Start(ctx)

	srv := &http.Server{
		Addr:    *flagListen,
		Handler: httpapi.New(st, cloud, daemon).Handler(),
	}
	go func() {
		log.Printf("swiped: listening on %s", *flagListen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("swiped: http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("swiped: shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("swiped: http shutdown: %v", err)
	}
}
