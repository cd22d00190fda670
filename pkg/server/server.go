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

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	_ "google.golang.org/grpc/encoding/gzip" // Install the gzip compressor
	"google.golang.org/grpc/status"

	"github.com/sdcio/dsruntime/pkg/config"
	"github.com/sdcio/dsruntime/pkg/datastore"
	"github.com/sdcio/dsruntime/pkg/dispatch"
	"github.com/sdcio/dsruntime/pkg/engine"
)

// Server exposes the datastores of an engine over gNMI.
type Server struct {
	config *config.Config
	ready  atomic.Bool

	ctx context.Context
	cfn context.CancelFunc

	srv *grpc.Server
	gnmi.UnimplementedGNMIServer

	router *mux.Router
	reg    *prometheus.Registry

	eng  engine.Engine
	conn *datastore.Connection
}

type collectorProvider interface {
	Collectors() []prometheus.Collector
}

func New(ctx context.Context, c *config.Config, eng engine.Engine) (*Server, error) {
	if c.GRPCServer == nil {
		return nil, errors.New("missing grpc-server configuration")
	}
	ctx, cancel := context.WithCancel(ctx)
	var s = &Server{
		config: c,
		ctx:    ctx,
		cfn:    cancel,
		eng:    eng,

		router: mux.NewRouter(),
		reg:    prometheus.NewRegistry(),
	}

	// gRPC server options
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(c.GRPCServer.MaxRecvMsgSize),
	}
	// unary interceptors
	unaryInterceptors := []grpc.UnaryServerInterceptor{
		s.readyInterceptor,
		s.timeoutInterceptor,
	}
	streamInterceptors := []grpc.StreamServerInterceptor{
		s.readyStreamInterceptor,
	}

	if c.Prometheus != nil {
		grpcMetrics := grpc_prometheus.NewServerMetrics()
		streamInterceptors = append(streamInterceptors, grpcMetrics.StreamServerInterceptor())
		unaryInterceptors = append(unaryInterceptors, grpcMetrics.UnaryServerInterceptor())
		s.reg.MustRegister(grpcMetrics)
		s.reg.MustRegister(dispatch.Collectors()...)
		if cp, ok := eng.(collectorProvider); ok {
			s.reg.MustRegister(cp.Collectors()...)
		}
	}

	opts = append(opts,
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(unaryInterceptors...)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(streamInterceptors...)),
	)

	if c.GRPCServer.TLS != nil {
		tlsCfg, err := c.GRPCServer.TLS.NewConfig(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	conn, err := datastore.Connect(ctx, eng, c.Dispatch)
	if err != nil {
		cancel()
		return nil, err
	}
	s.conn = conn

	s.srv = grpc.NewServer(opts...)
	// register gNMI server gRPC Methods
	gnmi.RegisterGNMIServer(s.srv, s)

	return s, nil
}

// Registry returns the registry the /metrics endpoint serves.
func (s *Server) Registry() *prometheus.Registry {
	return s.reg
}

// Connection returns the engine connection the server works on.
func (s *Server) Connection() *datastore.Connection {
	return s.conn
}

func (s *Server) Serve(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.GRPCServer.Address)
	if err != nil {
		return err
	}

	if s.config.Prometheus != nil {
		go s.ServeHTTP()
	}

	log.Infof("starting server on %s", s.config.GRPCServer.Address)
	return s.ServeListener(l)
}

// ServeListener serves gNMI on l until Stop.
func (s *Server) ServeListener(l net.Listener) error {
	s.ready.Store(true)
	log.Infof("ready...")
	return s.srv.Serve(l)
}

func (s *Server) ServeHTTP() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.reg.MustRegister(collectors.NewGoCollector())
	s.reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := &http.Server{
		Addr:         s.config.Prometheus.Address,
		Handler:      s.router,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
	err := srv.ListenAndServe()
	if err != nil {
		log.Errorf("HTTP server stopped: %v", err)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) Stop() {
	s.ready.Store(false)
	s.srv.Stop()
	if err := s.conn.Disconnect(context.Background()); err != nil {
		log.Errorf("closing engine connection: %v", err)
	}
	s.cfn()
}

func (s *Server) timeoutInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	ctx, cfn := context.WithTimeout(ctx, s.config.GRPCServer.RPCTimeout)
	defer cfn()
	return handler(ctx, req)
}

func (s *Server) readyInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	if !s.ready.Load() {
		return nil, status.Error(codes.Unavailable, "not ready")
	}
	return handler(ctx, req)
}

func (s *Server) readyStreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if !s.ready.Load() {
		return status.Error(codes.Unavailable, "not ready")
	}
	return handler(srv, ss)
}
