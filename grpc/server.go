package grpc

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/civetdb/civet/cfg"
)

// Server serves the shard gRPC service and the node's HTTP surface (admin
// routes plus metrics) on one listener, split by cmux.
type Server struct {
	bindAddress string
	port        int

	server      *grpc.Server
	listener    net.Listener
	mux         cmux.CMux
	httpHandler http.Handler
	httpServer  *http.Server
}

// NewServer builds the muxed server. httpHandler serves everything that is
// not gRPC; pass the admin router with the metrics handler mounted.
func NewServer(shard ShardServer, httpHandler http.Handler) *Server {
	s := &Server{
		bindAddress: cfg.Config.Server.BindAddress,
		port:        cfg.Config.Server.Port,
		httpHandler: httpHandler,
	}

	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(UnaryServerInterceptor()),
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	RegisterShardServer(s.server, shard)
	return s
}

// Start binds the listener and serves until Stop
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.bindAddress, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	s.httpServer = &http.Server{Handler: s.httpHandler}

	log.Info().Str("address", addr).Msg("Serving shard gRPC and HTTP on muxed listener")

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		if err := s.server.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()
	go func() {
		if err := s.mux.Serve(); err != nil {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	return nil
}

// Addr returns the bound listener address, useful when port 0 was requested
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains the gRPC server and closes the listener
func (s *Server) Stop() {
	if s.server != nil {
		log.Info().Msg("Stopping shard server")
		s.server.GracefulStop()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
}
