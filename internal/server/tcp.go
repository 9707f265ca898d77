package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/raphaelgruber/mediaflow/internal/framing"
	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/raphaelgruber/mediaflow/internal/service"
)

const connIdleTimeout = 2 * time.Minute

// JobSubmitter routes a job received on the wire. *service.Intake implements it.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, job *models.Job) (*service.Submission, error)
}

// Ack is the framed reply to one job frame.
type Ack struct {
	JobID string              `json:"job_id,omitempty"`
	Items []service.ItemRoute `json:"items,omitempty"`
	Error string              `json:"error,omitempty"`
}

// TCPServer accepts connections carrying framed JSON job documents. Each
// connection is served on the shared pool; a connection may carry any number
// of jobs, each answered with one Ack frame.
type TCPServer struct {
	addr     string
	intake   JobSubmitter
	pool     *ants.Pool
	maxFrame int
	logger   *slog.Logger
}

// NewTCPServer creates a TCP upload server. maxFrame bounds one job frame.
func NewTCPServer(addr string, intake JobSubmitter, pool *ants.Pool, maxFrame int, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		addr:     addr,
		intake:   intake,
		pool:     pool,
		maxFrame: maxFrame,
		logger:   logger.With("component", "tcp"),
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *TCPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for the
// connections in flight.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("tcp server listening", "addr", ln.Addr().String())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}

		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		if ctx.Err() != nil {
			// Accepted while stopping; the close hook may already have run.
			conn.Close()
		}
		release := func() {
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
			conn.Close()
			wg.Done()
		}

		wg.Add(1)
		if err := s.pool.Submit(func() {
			defer release()
			s.handle(ctx, conn)
		}); err != nil {
			s.logger.Warn("upload pool rejected connection", "remote", conn.RemoteAddr().String(), "error", err)
			framing.WriteJSON(conn, Ack{Error: "server busy"})
			release()
		}
	}
}

func (s *TCPServer) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	for {
		conn.SetReadDeadline(time.Now().Add(connIdleTimeout))

		var job models.Job
		err := framing.ReadJSON(conn, s.maxFrame, &job)
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("bad job frame", "remote", remote, "error", err)
			// The stream position is unknown after a framing error.
			if errors.Is(err, framing.ErrShortFrame) || errors.Is(err, framing.ErrFrameTooLarge) {
				framing.WriteJSON(conn, Ack{Error: err.Error()})
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) {
				return
			}
			if err := framing.WriteJSON(conn, Ack{Error: err.Error()}); err != nil {
				return
			}
			continue
		}

		sub, err := s.intake.SubmitJob(ctx, &job)
		ack := Ack{}
		if err != nil {
			s.logger.Error("submit job", "remote", remote, "error", err)
			ack.Error = err.Error()
		} else {
			ack.JobID, ack.Items = sub.JobID, sub.Items
			s.logger.Info("job received", "remote", remote, "job_id", sub.JobID, "items", len(sub.Items))
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := framing.WriteJSON(conn, ack); err != nil {
			s.logger.Warn("write ack", "remote", remote, "error", err)
			return
		}
	}
}
