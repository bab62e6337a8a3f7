// Package status implements the TCP line-protocol introspection server:
// one command per line in, one multi-line response out, connection closed
// after the reply.
//
// Grounded on status-loop.cpp's boost::asio responder, translated to Go's
// ordinary one-goroutine-per-connection idiom in place of the callback
// chains async_accept/async_read_until/async_write drive in the original.
package status

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/ChuLiYu/driveshaft/internal/metrics"
	"github.com/ChuLiYu/driveshaft/internal/registry"
)

const (
	cmdThreads  = "threads"
	cmdCounters = "counters"
	cmdGauges   = "gauges"
)

// Server accepts status connections on a TCP port and answers the
// threads/counters/gauges protocol described in the package doc.
type Server struct {
	registry *registry.Registry
	metrics  *metrics.Collector
	log      *slog.Logger
}

// New builds a Server. log may be nil, in which case slog.Default() is
// used.
func New(reg *registry.Registry, m *metrics.Collector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{registry: reg, metrics: m, log: log}
}

// Serve accepts connections on port until ctx is done. Connections are
// accepted one at a time and each is handled by its own short-lived
// goroutine; Serve itself only blocks in Accept.
func (s *Server) Serve(ctx context.Context, port int) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("status: listen on port %d: %w", port, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Debug("status: accept error", "error", err)
				continue
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := strings.TrimRight(scanner.Text(), "\r")

	w := bufio.NewWriter(conn)
	defer w.Flush()

	switch line {
	case cmdThreads:
		for _, rec := range s.registry.Snapshot() {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\r\n", rec.ID, rec.Pool, rec.ShouldShutdown, rec.State)
		}
	case cmdCounters:
		for _, nv := range s.metrics.Counters() {
			fmt.Fprintf(w, "%s: %s\n", nv.Name, strconv.FormatFloat(nv.Value, 'g', -1, 64))
		}
	case cmdGauges:
		for _, nv := range s.metrics.Gauges() {
			fmt.Fprintf(w, "%s: %s\n", nv.Name, strconv.FormatFloat(nv.Value, 'g', -1, 64))
		}
	default:
		fmt.Fprintf(w, "Error: unrecognized command\r\n")
	}
}
