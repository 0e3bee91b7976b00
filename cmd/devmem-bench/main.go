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
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"

	logcfg "github.com/containers/devmem/pkg/apis/config/v1alpha1/log"
	memcfg "github.com/containers/devmem/pkg/apis/config/v1alpha1/memory"
	"github.com/containers/devmem/pkg/healthz"
	logger "github.com/containers/devmem/pkg/log"
	"github.com/containers/devmem/pkg/memory"
	"github.com/containers/devmem/pkg/metrics"
	"github.com/containers/devmem/pkg/storage/host"
	mmapstorage "github.com/containers/devmem/pkg/storage/mmap"
)

var (
	log = logger.Get("bench")
)

type config struct {
	Memory *memcfg.Config `json:"memory,omitempty"`
	Log    *logcfg.Config `json:"log,omitempty"`
}

type options struct {
	config      string
	maxPageSize string
	alignment   string
	maxSize     string
	capacity    string
	storage     string
	ops         int
	workers     int
	tickEvery   int
	inflight    int
	seed        int64
	metricsAddr string
	debug       string
}

func parseFlags() *options {
	o := &options{}

	flag.StringVar(&o.config, "config", "", "YAML configuration file")
	flag.StringVar(&o.maxPageSize, "max-page-size", "1Gi", "device max page size")
	flag.StringVar(&o.alignment, "alignment", "64Ki", "device memory alignment")
	flag.StringVar(&o.maxSize, "max-size", "32Mi", "largest reservation of the workload")
	flag.StringVar(&o.capacity, "capacity", "8Gi", "storage capacity, 0 for unlimited")
	flag.StringVar(&o.storage, "storage", "host", "storage backend, host or mmap")
	flag.IntVar(&o.ops, "ops", 100000, "number of reservations to perform")
	flag.IntVar(&o.workers, "workers", 8, "number of concurrent workers")
	flag.IntVar(&o.tickEvery, "tick-every", 1000, "reservations between maintenance ticks")
	flag.IntVar(&o.inflight, "inflight", 64, "locked slices kept in flight")
	flag.Int64Var(&o.seed, "seed", 1, "random seed")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flag.StringVar(&o.debug, "debug", "", "debug logging sources, for instance on:memory,bench")

	flag.Parse()

	return o
}

func main() {
	opts := parseFlags()

	cfg, err := loadConfig(opts.config)
	if err != nil {
		fatal("%v", err)
	}

	if err := configureLogging(cfg.Log, opts.debug); err != nil {
		fatal("failed to configure logging: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, cfg); err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...interface{}) {
	log.Error(format, args...)
	os.Exit(1)
}

func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration %s: %w", path, err)
	}

	return cfg, nil
}

func configureLogging(cfg *logcfg.Config, debug string) error {
	if cfg == nil && debug == "" {
		return nil
	}
	if cfg == nil {
		cfg = &logcfg.Config{}
	}
	if debug != "" {
		cfg.Debug = append(cfg.Debug, debug)
	}
	return logger.Configure(cfg)
}

func bytesFlag(name, value string) (uint64, error) {
	if value == "0" {
		return 0, nil
	}
	size, err := memcfg.Amount(value).Bytes()
	if err != nil {
		return 0, fmt.Errorf("invalid -%s: %w", name, err)
	}
	return size, nil
}

func run(ctx context.Context, opts *options, cfg *config) error {
	var (
		props memory.DeviceProperties
		err   error
	)

	if props.MaxPageSize, err = bytesFlag("max-page-size", opts.maxPageSize); err != nil {
		return err
	}
	if props.Alignment, err = bytesFlag("alignment", opts.alignment); err != nil {
		return err
	}
	if props, err = cfg.Memory.DeviceProperties(props); err != nil {
		return err
	}

	maxSize, err := bytesFlag("max-size", opts.maxSize)
	if err != nil {
		return err
	}
	if maxSize == 0 {
		return fmt.Errorf("invalid -max-size: must be positive")
	}
	capacity, err := bytesFlag("capacity", opts.capacity)
	if err != nil {
		return err
	}

	storage, cleanup, err := newStorage(opts.storage, props, capacity)
	if err != nil {
		return err
	}
	defer cleanup()

	mgrOpts, err := cfg.Memory.ManagerOptions()
	if err != nil {
		return err
	}

	mgr, err := memory.NewManager(storage, props, mgrOpts...)
	if err != nil {
		return fmt.Errorf("failed to create memory manager: %w", err)
	}
	defer func() {
		if err := mgr.Close(); err != nil && !errors.Is(err, memory.ErrClosed) {
			log.Error("failed to close memory manager: %v", err)
		}
	}()

	if opts.metricsAddr != "" {
		stop, err := serveMetrics(opts.metricsAddr, mgr)
		if err != nil {
			return err
		}
		defer stop()
	}

	b := &bench{
		mgr:      mgr,
		maxSize:  maxSize,
		align:    props.Alignment,
		inFlight: queue.New(),
		limit:    opts.inflight,
	}

	start := time.Now()
	if err := b.run(ctx, opts); err != nil {
		return err
	}
	elapsed := time.Since(start)

	b.report(elapsed)

	return mgr.Verify()
}

func newStorage(kind string, props memory.DeviceProperties, capacity uint64) (memory.Storage, func(), error) {
	switch strings.ToLower(kind) {
	case "host":
		s, err := host.New(host.WithAlignment(props.Alignment), host.WithCapacity(capacity))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "mmap":
		s := mmapstorage.New(capacity)
		return s, func() {
			if err := s.Close(); err != nil {
				log.Error("failed to close mmap storage: %v", err)
			}
		}, nil
	}

	return nil, nil, fmt.Errorf("unknown storage backend %q", kind)
}

func serveMetrics(addr string, mgr *memory.Manager) (func(), error) {
	if err := metrics.Register("pools", mgr.Collector(), metrics.WithGroup("memory")); err != nil {
		return nil, err
	}

	g, err := metrics.NewGatherer(metrics.WithNamespace("devmem"), metrics.WithMetrics([]string{"*"}))
	if err != nil {
		return nil, err
	}

	health := healthz.NewRegistry()
	if err := health.Register("memory", memoryHealth(mgr)); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	health.Setup(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// memoryHealth reports broken allocator invariants as non-functional and
// leaked locks as degraded.
func memoryHealth(mgr *memory.Manager) healthz.CheckFn {
	return func() (healthz.Status, error) {
		if err := mgr.Verify(); err != nil {
			return healthz.NonFunctional, err
		}
		if leaked := mgr.Stats().Total().LeakedLocks; leaked > 0 {
			return healthz.Degraded, fmt.Errorf("%d leaked slice locks", leaked)
		}
		return healthz.Healthy, nil
	}
}
