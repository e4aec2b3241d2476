package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Server accepts connections and dispatches each to a handler worker
// drawn from a bounded pool. When the pool is exhausted, new
// connections are closed immediately instead of queuing.
type Server struct {
	router      *Router
	log         *logrus.Entry
	addr        string
	readTimeout time.Duration
	workers     int
}

// NewServer creates a TCP server for the given listen address.
func NewServer(router *Router, log *logrus.Entry, addr string, readTimeout time.Duration, workers int) *Server {
	return &Server{
		router:      router,
		log:         log,
		addr:        addr,
		readTimeout: readTimeout,
		workers:     workers,
	}
}

// Run listens on the configured address and serves until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled. In-flight
// handlers are allowed to finish before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	slots := make(chan struct{}, s.workers)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		select {
		case slots <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				s.handleConn(ctx, conn)
			}()
		default:
			// Pool exhausted: shed the connection rather than queue it.
			s.log.WithField("remote", conn.RemoteAddr().String()).Warn("worker pool full, rejecting connection")
			conn.Close()
		}
	}

	wg.Wait()
	return nil
}
