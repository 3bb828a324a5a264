// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs the multi-worker deployment shape: N worker
// processes of this same executable, each owning its own connections,
// sessions, and coalescer, fronted by one TCP listener that routes
// every client to a worker chosen by its source address.
//
// Routing is sticky: the worker index is a BLAKE3 hash of the remote
// host, so a reconnecting device lands on the worker that already
// holds nothing of it (sessions die with the connection) but whose
// in-memory state it will rebuild, and never splits one address
// across workers. Session state is never migrated; when a worker
// dies its devices reconnect through the front listener and
// re-authenticate.
package supervisor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/corralhq/corral/lib/clock"
)

// DefaultRestartHoldOff is the pause before respawning an exited
// worker. It turns a crash loop into bounded churn instead of a spin.
const DefaultRestartHoldOff = time.Second

// Config holds the parameters for a Supervisor.
type Config struct {
	// Binary is the worker executable. Defaults to the running
	// executable.
	Binary string

	// WorkerArgs are passed to every worker after the generated
	// --worker and --listen flags; typically the --config flag.
	WorkerArgs []string

	// Workers is the worker count. Defaults to NumCPU.
	Workers int

	// BasePort is the first worker's loopback port; worker i
	// listens on BasePort+i. Required.
	BasePort int

	// ListenAddr is the front listener clients connect to.
	// Required.
	ListenAddr string

	// HealthAddr serves the supervisor's own /healthz. Empty
	// disables it.
	HealthAddr string

	RestartHoldOff time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Supervisor spawns, replaces, and routes to worker processes.
type Supervisor struct {
	binary     string
	workerArgs []string
	workers    int
	basePort   int
	listenAddr string
	healthAddr string
	holdOff    time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	started  time.Time
	restarts atomic.Int64
}

// New validates cfg and returns a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.BasePort <= 0 {
		return nil, fmt.Errorf("supervisor: BasePort is required")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("supervisor: ListenAddr is required")
	}
	if cfg.Binary == "" {
		executable, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolving executable: %w", err)
		}
		cfg.Binary = executable
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.RestartHoldOff <= 0 {
		cfg.RestartHoldOff = DefaultRestartHoldOff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		binary:     cfg.Binary,
		workerArgs: cfg.WorkerArgs,
		workers:    cfg.Workers,
		basePort:   cfg.BasePort,
		listenAddr: cfg.ListenAddr,
		healthAddr: cfg.HealthAddr,
		holdOff:    cfg.RestartHoldOff,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// Run spawns the workers and serves the front listener until ctx is
// canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.started = s.clock.Now()

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("supervisor: listening on %s: %w", s.listenAddr, err)
	}
	defer listener.Close()
	s.logger.Info("front listener up",
		"addr", listener.Addr().String(), "workers", s.workers)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.superviseWorker(ctx, i)
		}(i)
	}

	if s.healthAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveHealth(ctx)
		}()
	}

	err = serveFront(ctx, listener, s.routeAddr, s.logger)
	wg.Wait()
	return err
}

// workerAddr is worker i's loopback address.
func (s *Supervisor) workerAddr(index int) string {
	return fmt.Sprintf("127.0.0.1:%d", s.basePort+index)
}

// routeAddr picks the backend for a client host.
func (s *Supervisor) routeAddr(host string) string {
	return s.workerAddr(stickyIndex(host, s.workers))
}

// stickyIndex maps a remote host to a worker index. The digest, not
// the raw bytes, is reduced mod n so nearby addresses spread evenly.
func stickyIndex(host string, n int) int {
	digest := blake3.Sum256([]byte(host))
	return int(binary.BigEndian.Uint64(digest[:8]) % uint64(n))
}

// superviseWorker keeps one worker slot occupied: spawn, wait,
// hold off, respawn, until ctx is canceled.
func (s *Supervisor) superviseWorker(ctx context.Context, index int) {
	addr := s.workerAddr(index)
	for ctx.Err() == nil {
		args := append([]string{"--worker", "--listen", addr}, s.workerArgs...)
		command := exec.CommandContext(ctx, s.binary, args...)
		command.Stdout = os.Stdout
		command.Stderr = os.Stderr

		s.logger.Info("starting worker", "index", index, "addr", addr)
		err := command.Run()
		if ctx.Err() != nil {
			return
		}

		s.restarts.Add(1)
		s.logger.Error("worker exited, respawning after hold-off",
			"index", index, "hold_off", s.holdOff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.holdOff):
		}
	}
}

// serveFront accepts client connections and proxies each to the
// backend that pick chooses for its source host.
func serveFront(ctx context.Context, listener net.Listener, pick func(host string) string, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		client, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("supervisor: accept: %w", err)
		}

		host, _, err := net.SplitHostPort(client.RemoteAddr().String())
		if err != nil {
			host = client.RemoteAddr().String()
		}
		backend := pick(host)

		wg.Add(1)
		go func() {
			defer wg.Done()
			proxy(client, backend, logger)
		}()
	}
}

// proxy streams bytes both ways between a client and its backend for
// the life of the connection.
func proxy(client net.Conn, backend string, logger *slog.Logger) {
	defer client.Close()

	upstream, err := net.DialTimeout("tcp", backend, 10*time.Second)
	if err != nil {
		logger.Error("backend dial failed",
			"backend", backend, "client", client.RemoteAddr().String(), "error", err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, client)
		// Client finished sending; let the backend see EOF while
		// its responses drain.
		if tcp, ok := upstream.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstream)
		if tcp, ok := client.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}

func (s *Supervisor) serveHealth(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"workers":%d,"restarts":%d}`+"\n",
			int64(s.clock.Now().Sub(s.started).Seconds()), s.workers, s.restarts.Load())
	})

	server := &http.Server{Addr: s.healthAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("health endpoint failed", "addr", s.healthAddr, "error", err)
	}
}
