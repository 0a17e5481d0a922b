/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/felixge/fgprof"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/rfdebug/rfdebug/internal/networking"
	"github.com/rfdebug/rfdebug/internal/version"
)

const (
	diagnosticsShutdownTimeout = 2 * time.Second
	diagnosticsHeaderTimeout   = 5 * time.Second
)

var errDiagnosticsWaitTimeout = errors.New("timed out waiting for a diagnostics client")

type diagnosticsStatus struct {
	Pid     int          `json:"pid"`
	Version version.Info `json:"version"`
	Waiting bool         `json:"waiting"`
}

// diagnosticsServer serves runtime profiles of the test process. It lets a native debugger or
// profiler find the process and, with -dw, hold the test run until it is ready.
type diagnosticsServer struct {
	address   string
	server    *http.Server
	log       logr.Logger
	continued chan struct{}
	once      sync.Once
	done      chan struct{}

	lock    sync.Mutex
	waiting bool
}

func newDiagnosticsRouter(s *diagnosticsServer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Mount("/debug", middleware.Profiler())
	// Wall-clock profile; includes goroutines blocked on the debugger's run-state condition.
	r.Handle("/fgprof", fgprof.Handler())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.lock.Lock()
		status := diagnosticsStatus{
			Pid:     os.Getpid(),
			Version: version.Version(),
			Waiting: s.waiting,
		}
		s.lock.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	})

	r.Post("/continue", func(w http.ResponseWriter, r *http.Request) {
		s.release()
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// startDiagnostics starts serving diagnostics on address. A free port is picked if port is zero or taken.
func startDiagnostics(address string, port int, log logr.Logger) (*diagnosticsServer, error) {
	port, portErr := networking.FindFreePort(address, port, log)
	if portErr != nil {
		return nil, fmt.Errorf("could not find a port for the diagnostics endpoint: %w", portErr)
	}

	s := &diagnosticsServer{
		address:   networking.AddressAndPort(address, port),
		log:       log,
		continued: make(chan struct{}),
		done:      make(chan struct{}),
	}

	l, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.server = &http.Server{
		Handler:           newDiagnosticsRouter(s),
		ReadHeaderTimeout: diagnosticsHeaderTimeout,
	}

	go func() {
		defer close(s.done)
		if serveErr := s.server.Serve(l); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error(serveErr, "Diagnostics endpoint failed")
		}
	}()

	log.Info("Serving diagnostics", "address", s.address)
	return s, nil
}

// Address returns the host:port the diagnostics endpoint listens on.
func (s *diagnosticsServer) Address() string {
	return s.address
}

func (s *diagnosticsServer) release() {
	s.once.Do(func() { close(s.continued) })
}

// WaitForContinue blocks until a diagnostics client posts to /continue, or the timeout elapses.
func (s *diagnosticsServer) WaitForContinue(ctx context.Context, timeout time.Duration) error {
	s.lock.Lock()
	s.waiting = true
	s.lock.Unlock()
	defer func() {
		s.lock.Lock()
		s.waiting = false
		s.lock.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.continued:
		return nil
	case <-timer.C:
		return errDiagnosticsWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *diagnosticsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), diagnosticsShutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}
