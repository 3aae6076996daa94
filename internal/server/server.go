// Package server serves a set of dashcache shards over the memcached binary
// protocol.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jwilder/dashcache"
	"github.com/jwilder/dashcache/internal/config"
	"github.com/jwilder/dashcache/internal/protocol"
)

// Version is reported by the VERSION command.
const Version = "1.0.0"

var errServing = errors.New("server is already serving")

// Server routes each keyed request to the worker owning the key's shard.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	workers []*worker
	started time.Time

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}

	connTotal atomic.Int64
}

// New creates a server with cfg.Workers empty shards.
func New(cfg config.Config, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		conns: make(map[net.Conn]struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		wlog := log.With("worker", i)
		shard, err := dashcache.NewShard(dashcache.ShardConfig{
			MinBlockSize: cfg.MinBlockSize,
			MaxBlockSize: cfg.MaxBlockSize,
			Store: dashcache.Options{
				SegmentSize: cfg.SegmentSize,
				RegularSize: cfg.RegularSize,
				SlotSize:    cfg.SlotSize,
				MaxDepth:    cfg.MaxDepth,
				Logger:      wlog,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		s.workers = append(s.workers, newWorker(i, shard, time.Duration(cfg.SweepInterval), wlog))
	}
	return s, nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or accepting fails. It
// closes ln, every open connection and every shard before returning. A
// server serves at most once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return errServing
	}
	s.ln = ln
	s.started = time.Now()
	s.mu.Unlock()

	s.log.Info("serving", "addr", ln.Addr().String(), "workers", len(s.workers))

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error {
			return w.run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		s.closeConns()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			s.track(conn)
			g.Go(func() error {
				defer s.untrack(conn)
				s.serveConn(ctx, conn)
				return nil
			})
		}
	})

	err := g.Wait()
	s.log.Info("stopped", "addr", ln.Addr().String())
	return err
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) track(conn net.Conn) {
	s.connTotal.Add(1)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) openConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// serveConn reads requests until the client quits or the connection fails.
// Responses are buffered and flushed once no further request is already
// waiting, so pipelined quiet commands share writes.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := s.log.With("remote", conn.RemoteAddr().String())
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	defer w.Flush()

	for {
		req, err := protocol.ReadRequest(r, s.cfg.MaxBodySize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.Debug("closing connection", "error", err)
			}
			return
		}

		resps, quit := s.handle(ctx, req)
		for _, resp := range resps {
			if err := protocol.WriteResponse(w, resp); err != nil {
				return
			}
		}
		if quit || r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
		if quit {
			return
		}
	}
}

// handle executes one request and returns the responses to send and whether
// the connection should close.
func (s *Server) handle(ctx context.Context, req *protocol.Request) ([]*protocol.Response, bool) {
	if status := req.Validate(); status != protocol.StatusOK {
		return []*protocol.Response{protocol.NewError(req, status)}, false
	}

	quiet := req.Opcode.Quiet()
	ok := func() []*protocol.Response {
		if quiet {
			return nil
		}
		return []*protocol.Response{protocol.NewResponse(req)}
	}

	switch req.Opcode.Base() {
	case protocol.OpNoop:
		return ok(), false

	case protocol.OpVersion:
		resp := protocol.NewResponse(req)
		resp.Value = []byte(Version)
		return []*protocol.Response{resp}, false

	case protocol.OpQuit:
		return ok(), true

	case protocol.OpFlush:
		if len(req.Extras) == protocol.FlushExtrasLength {
			if delay := protocol.ParseFlushExtras(req.Extras); delay > 0 {
				s.flushLater(ctx, time.Duration(delay)*time.Second)
				return ok(), false
			}
		}
		if err := s.flush(ctx); err != nil {
			return []*protocol.Response{protocol.NewError(req, protocol.StatusTemporaryFailure)}, false
		}
		return ok(), false

	case protocol.OpStat:
		stats, err := s.collect(ctx)
		if err != nil {
			return []*protocol.Response{protocol.NewError(req, protocol.StatusTemporaryFailure)}, false
		}
		return s.statResponses(req, stats), false
	}

	w := s.workers[route(req.Key, len(s.workers))]
	var resp *protocol.Response
	if err := w.do(ctx, func(sh *dashcache.Shard) {
		resp = execute(sh, req)
	}); err != nil {
		return []*protocol.Response{protocol.NewError(req, protocol.StatusTemporaryFailure)}, false
	}
	if resp == nil {
		return nil, false
	}
	return []*protocol.Response{resp}, false
}

// flush drops every key on every worker.
func (s *Server) flush(ctx context.Context) error {
	for _, w := range s.workers {
		if err := w.do(ctx, (*dashcache.Shard).Flush); err != nil {
			return err
		}
	}
	s.log.Info("flushed all shards")
	return nil
}

func (s *Server) flushLater(ctx context.Context, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if err := s.flush(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("delayed flush failed", "error", err)
		}
	})
}

// collect aggregates statistics across workers.
func (s *Server) collect(ctx context.Context) (dashcache.Stats, error) {
	var total dashcache.Stats
	for _, w := range s.workers {
		if err := w.do(ctx, func(sh *dashcache.Shard) {
			total.Add(sh.Stats())
		}); err != nil {
			return dashcache.Stats{}, err
		}
	}
	return total, nil
}
