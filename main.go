// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/sdcio/dsruntime/pkg/config"
	"github.com/sdcio/dsruntime/pkg/engine/memengine"
	"github.com/sdcio/dsruntime/pkg/logging"
	"github.com/sdcio/dsruntime/pkg/schema"
	"github.com/sdcio/dsruntime/pkg/server"
)

const schemaDebounce = 500 * time.Millisecond

var configFile string
var debug bool
var trace bool
var pprofAddr string

var versionFlag bool
var version = "dev"
var commit = ""

func main() {
	pflag.StringVarP(&configFile, "config", "c", "", "config file path")
	pflag.BoolVarP(&debug, "debug", "d", false, "set log level to DEBUG")
	pflag.BoolVarP(&trace, "trace", "t", false, "set log level to TRACE")
	pflag.StringVar(&pprofAddr, "pprof", "", "pprof listen address, disabled when empty")
	pflag.BoolVarP(&versionFlag, "version", "v", false, "print version")
	pflag.Parse()

	if versionFlag {
		fmt.Println(version + "-" + commit)
		return
	}

	cfg, err := config.New(configFile)
	if err == nil && cfg.GRPCServer == nil {
		cfg.GRPCServer = &config.GRPCServer{}
		err = cfg.Validate()
	}
	if err != nil {
		log.Errorf("failed to read config: %v", err)
		os.Exit(1)
	}
	if debug {
		cfg.Logging.Level = log.DebugLevel.String()
	}
	if trace {
		cfg.Logging.Level = log.TraceLevel.String()
	}
	if err := logging.Init(cfg.Logging); err != nil {
		log.Errorf("failed to set up logging: %v", err)
		os.Exit(1)
	}
	defer logging.Reset()

	log.Infof("dsruntime bootstrap: version=%s commit=%s log-level=%s", version, commit, log.GetLevel())
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Errorf("failed to marshal config: %v", err)
		os.Exit(1)
	}
	log.Debugf("read config: %s", string(b))

	if pprofAddr != "" {
		go func() {
			log.Infof("pprof server started on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				log.Errorf("pprof server failed: %v", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Errorf("dsruntime stopped: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	sch, err := schema.New(cfg.Schema)
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	eng, err := memengine.New(ctx, cfg.Engine, sch)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		if err := eng.Close(context.Background()); err != nil {
			log.Errorf("failed to close engine: %v", err)
		}
	}()

	s, err := server.New(ctx, cfg, eng)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.Schema.WatchEnabled() {
		eg.Go(func() error {
			err := eng.WatchSchema(ctx, schemaDebounce)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	eg.Go(func() error {
		err := s.Serve(ctx)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("terminating...")
		s.Stop()
		return nil
	})
	return eg.Wait()
}
