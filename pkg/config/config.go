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

package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
)

const (
	StoreTypeMemory = "memory"
	StoreTypeBadger = "badgerdb"

	DriverThreaded = "threaded"
	DriverExternal = "external"
)

type Config struct {
	Schema     *SchemaConfig   `yaml:"schema,omitempty" json:"schema,omitempty"`
	Engine     *EngineConfig   `yaml:"engine,omitempty" json:"engine,omitempty"`
	Dispatch   *DispatchConfig `yaml:"dispatch,omitempty" json:"dispatch,omitempty"`
	GRPCServer *GRPCServer     `yaml:"grpc-server,omitempty" json:"grpc-server,omitempty"`
	Prometheus *PromConfig     `yaml:"prometheus,omitempty" json:"prometheus,omitempty"`
	Logging    *Logging        `yaml:"logging,omitempty" json:"logging,omitempty"`
}

type TLS struct {
	CA         string `yaml:"ca,omitempty" json:"ca,omitempty"`
	Cert       string `yaml:"cert,omitempty" json:"cert,omitempty"`
	Key        string `yaml:"key,omitempty" json:"key,omitempty"`
	SkipVerify bool   `yaml:"skip-verify,omitempty" json:"skip-verify,omitempty"`
}

func New(file string) (*Config, error) {
	c := new(Config)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}

		err = yaml.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	}
	err := c.validateSetDefaults()
	return c, err
}

// Default returns a configuration for the given yang files with every
// other section defaulted.
func Default(files ...string) (*Config, error) {
	c := &Config{Schema: &SchemaConfig{Files: files}}
	return c, c.validateSetDefaults()
}

// Validate checks c and fills in the defaults of unset fields.
func (c *Config) Validate() error {
	return c.validateSetDefaults()
}

func (c *Config) validateSetDefaults() error {
	if c.Schema == nil {
		c.Schema = &SchemaConfig{}
	}
	var errs []error
	if err := c.Schema.validateSetDefaults(); err != nil {
		errs = append(errs, err)
	}
	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if err := c.Engine.validateSetDefaults(); err != nil {
		errs = append(errs, err)
	}
	if c.Dispatch == nil {
		c.Dispatch = &DispatchConfig{}
	}
	if err := c.Dispatch.validateSetDefaults(); err != nil {
		errs = append(errs, err)
	}
	if c.GRPCServer != nil {
		if err := c.GRPCServer.validateSetDefaults(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Prometheus != nil {
		if err := c.Prometheus.validateSetDefaults(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if err := c.Logging.validateSetDefaults(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type EngineConfig struct {
	// Name identifies the engine instance in logs and metrics
	Name       string        `yaml:"name,omitempty" json:"name,omitempty"`
	Startup    *StartupStore `yaml:"startup,omitempty" json:"startup,omitempty"`
	Validation *Validation   `yaml:"validation,omitempty" json:"validation,omitempty"`
	// timeout applied to update/change/abort/done callbacks of one subscriber
	CallbackTimeout time.Duration `yaml:"callback-timeout,omitempty" json:"callback-timeout,omitempty"`
	// timeout applied to operational pulls and RPC calls when the caller sets none
	OperTimeout         time.Duration `yaml:"oper-timeout,omitempty" json:"oper-timeout,omitempty"`
	CommitTimeout       time.Duration `yaml:"commit-timeout,omitempty" json:"commit-timeout,omitempty"`
	NotificationTimeout time.Duration `yaml:"notification-timeout,omitempty" json:"notification-timeout,omitempty"`
	// number of sent notifications kept for replay, a negative value
	// disables replay
	NotificationLog int `yaml:"notification-log,omitempty" json:"notification-log,omitempty"`
}

type StartupStore struct {
	// one of memory, badgerdb
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
	Dir  string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

func (e *EngineConfig) validateSetDefaults() error {
	if e.Name == "" {
		e.Name = "dsruntime"
	}
	if e.Startup == nil {
		e.Startup = &StartupStore{}
	}
	switch e.Startup.Type {
	case "":
		e.Startup.Type = defaultStartupStoreType
	case StoreTypeMemory, StoreTypeBadger:
	default:
		return fmt.Errorf("unknown startup store type %q", e.Startup.Type)
	}
	if e.Startup.Type == StoreTypeBadger {
		if e.Startup.Dir == "" {
			e.Startup.Dir = defaultStartupStoreDir
		}
		dir, err := homedir.Expand(e.Startup.Dir)
		if err != nil {
			return fmt.Errorf("startup store dir %q: %w", e.Startup.Dir, err)
		}
		e.Startup.Dir = dir
	}
	if e.Validation == nil {
		e.Validation = &Validation{}
	}
	if err := e.Validation.validateSetDefaults(); err != nil {
		return err
	}
	if e.CallbackTimeout <= 0 {
		e.CallbackTimeout = defaultCallbackTimeout
	}
	if e.OperTimeout <= 0 {
		e.OperTimeout = defaultOperTimeout
	}
	if e.CommitTimeout <= 0 {
		e.CommitTimeout = defaultCommitTimeout
	}
	if e.NotificationTimeout <= 0 {
		e.NotificationTimeout = defaultNotificationTimeout
	}
	if e.NotificationLog == 0 {
		e.NotificationLog = defaultNotificationLog
	}
	return nil
}

type DispatchConfig struct {
	// threaded: the connection polls its event source on its own goroutine.
	// external: the application drives the loop (cooperative model).
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	// number of shared workers running cooperative callbacks
	Workers      int           `yaml:"workers,omitempty" json:"workers,omitempty"`
	PollInterval time.Duration `yaml:"poll-interval,omitempty" json:"poll-interval,omitempty"`
	// how long removing a subscription waits for its running callback
	// before the removal is rejected as coming from that callback. Keep it
	// below the engine callback-timeout.
	UnsubscribeWait time.Duration `yaml:"unsubscribe-wait,omitempty" json:"unsubscribe-wait,omitempty"`
}

// Validate checks d and fills in the defaults of unset fields.
func (d *DispatchConfig) Validate() error {
	return d.validateSetDefaults()
}

func (d *DispatchConfig) validateSetDefaults() error {
	switch d.Driver {
	case "":
		d.Driver = defaultDispatchDriver
	case DriverThreaded, DriverExternal:
	default:
		return fmt.Errorf("unknown dispatch driver %q. Must be one of %s, %s", d.Driver, DriverThreaded, DriverExternal)
	}
	if d.Workers <= 0 {
		d.Workers = defaultDispatchWorkers
	}
	if d.PollInterval <= 0 {
		d.PollInterval = defaultPollInterval
	}
	if d.UnsubscribeWait <= 0 {
		d.UnsubscribeWait = defaultUnsubscribeWait
	}
	return nil
}

type GRPCServer struct {
	Address        string        `yaml:"address,omitempty" json:"address,omitempty"`
	TLS            *TLS          `yaml:"tls,omitempty" json:"tls,omitempty"`
	MaxRecvMsgSize int           `yaml:"max-recv-msg-size,omitempty" json:"max-recv-msg-size,omitempty"`
	RPCTimeout     time.Duration `yaml:"rpc-timeout,omitempty" json:"rpc-timeout,omitempty"`
}

func (g *GRPCServer) validateSetDefaults() error {
	if g.Address == "" {
		g.Address = defaultGRPCAddress
	}
	if _, _, err := net.SplitHostPort(g.Address); err != nil {
		return fmt.Errorf("grpc-server address: %w", err)
	}
	if g.MaxRecvMsgSize <= 0 {
		g.MaxRecvMsgSize = defaultMaxRecvMsgSize
	}
	if g.RPCTimeout <= 0 {
		g.RPCTimeout = defaultRPCTimeout
	}
	return nil
}

type PromConfig struct {
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}

func (p *PromConfig) validateSetDefaults() error {
	if p.Address == "" {
		p.Address = defaultPrometheusAddress
	}
	return nil
}

type Logging struct {
	// one of panic, fatal, error, warn, info, debug, trace
	Level string `yaml:"level,omitempty" json:"level,omitempty"`
	// one of text, json
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	// stderr (default), stdout or a file path
	Output       string `yaml:"output,omitempty" json:"output,omitempty"`
	ReportCaller bool   `yaml:"report-caller,omitempty" json:"report-caller,omitempty"`
}

func (l *Logging) validateSetDefaults() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if _, err := log.ParseLevel(l.Level); err != nil {
		return err
	}
	switch l.Format {
	case "":
		l.Format = defaultLogFormat
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", l.Format)
	}
	return nil
}

func (t *TLS) NewConfig(ctx context.Context) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: t.SkipVerify}
	if t.CA != "" {
		ca, err := os.ReadFile(t.CA)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA cert: %w", err)
		}
		if len(ca) != 0 {
			caCertPool := x509.NewCertPool()
			caCertPool.AppendCertsFromPEM(ca)
			tlsCfg.ClientCAs = caCertPool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	if t.Cert != "" && t.Key != "" {
		certWatcher, err := certwatcher.New(t.Cert, t.Key)
		if err != nil {
			return nil, err
		}

		go func() {
			if err := certWatcher.Start(ctx); err != nil {
				log.Errorf("certificate watcher error: %v", err)
			}
		}()
		tlsCfg.GetCertificate = certWatcher.GetCertificate
	}
	return tlsCfg, nil
}
