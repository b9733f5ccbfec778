// Package api is the control-plane HTTP-over-Unix-socket server: request
// parsing, body-size enforcement, in-thread MMDS handling, and dispatch
// of every action that must run on the VMM thread, per spec §4.5 and the
// endpoint table in §6.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gokvm/microvm/metrics"
	"github.com/gokvm/microvm/mmds"
	"github.com/sirupsen/logrus"
)

// defaultMaxBodyBytes bounds a request body when no explicit limit is
// configured.
const defaultMaxBodyBytes = 51200

// Server owns the control-plane listener and every resource the control
// -plane thread exclusively holds: the HTTP server, its connection set,
// and the MMDS store's mutex guard.
type Server struct {
	ln       net.Listener
	http     *http.Server
	requests chan *Request
	mmds     *mmds.Store
	maxBody  int64
	log      *logrus.Entry

	shuttingDown atomic.Bool
	shutdownC    chan struct{}
}

// New binds socketPath as a Unix domain socket (removing a stale socket
// file first, as a prior run's unclean exit would leave one behind) and
// returns a Server ready to Serve.
func New(socketPath string, maxBodyBytes int64, store *mmds.Store, log *logrus.Entry) (*Server, error) {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("api: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("api: listen on %s: %w", socketPath, err)
	}

	s := &Server{
		ln:        ln,
		requests:  make(chan *Request, 8),
		mmds:      store,
		maxBody:   maxBodyBytes,
		log:       log,
		shutdownC: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)

	s.http = &http.Server{Handler: mux}

	return s, nil
}

// Requests returns the channel the VMM thread should range over; every
// Request received must eventually get exactly one Response sent on its
// Reply channel.
func (s *Server) Requests() <-chan *Request { return s.requests }

// Serve blocks accepting connections until Close is called, returning
// http.ErrServerClosed in that case (treated as a clean shutdown by
// callers).
func (s *Server) Serve() error {
	return s.http.Serve(s.ln)
}

// Close stops accepting new connections and closes in-flight ones.
func (s *Server) Close() error {
	if s.shuttingDown.CompareAndSwap(false, true) {
		close(s.shutdownC)
	}

	return s.http.Close()
}

// ShutdownRequested returns a channel that's closed once a
// PUT /shutdown-internal request has been served or Close has been called.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownC }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if isShutdownInternal(r.URL.Path) {
		s.handleShutdownInternal(w, r)

		return
	}

	if isMMDS(r.URL.Path) {
		s.handleMMDS(w, r)

		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	kind, payload, perr := parseRequest(r.Method, r.URL.Path, body)
	if perr != nil {
		writeFault(w, http.StatusBadRequest, perr.Error())

		return
	}

	req := &Request{Kind: kind, Payload: payload, Reply: make(chan Response, 1)}

	select {
	case s.requests <- req:
	case <-r.Context().Done():
		return
	}

	resp := <-req.Reply

	metrics.ActionLatency.WithLabelValues(kind.String()).Observe(float64(time.Since(start).Microseconds()))

	writeResponse(w, resp)
}

func (s *Server) handleMMDS(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		doc, err := s.mmds.Get()
		if err != nil {
			writeFault(w, http.StatusBadRequest, err.Error())

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(doc) //nolint:errcheck

	case http.MethodPut:
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}

		if err := s.mmds.Put(body); err != nil {
			writeFault(w, http.StatusBadRequest, err.Error())

			return
		}

		w.WriteHeader(http.StatusNoContent)

	case http.MethodPatch:
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}

		if err := s.mmds.Patch(body); err != nil {
			writeFault(w, http.StatusBadRequest, err.Error())

			return
		}

		w.WriteHeader(http.StatusNoContent)

	default:
		writeFault(w, http.StatusBadRequest, fmt.Sprintf("method %s not allowed on /mmds", r.Method))
	}
}

func (s *Server) handleShutdownInternal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeFault(w, http.StatusBadRequest, "method not allowed on /shutdown-internal")

		return
	}

	w.WriteHeader(http.StatusNoContent)

	if s.shuttingDown.CompareAndSwap(false, true) {
		close(s.shutdownC)
	}
}

// readBody enforces the configured body-size cap. A declared
// Content-Length over the limit is rejected immediately with 400 (the
// request never needed to be read); a body that turns out to exceed the
// limit while being streamed (chunked encoding, or a lying
// Content-Length) is rejected with 413.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength > s.maxBody {
		writeFault(w, http.StatusBadRequest,
			fmt.Sprintf("request body declared length %d is larger than the limit of %d", r.ContentLength, s.maxBody))

		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFault(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body is larger than the limit of %d", s.maxBody))
		} else {
			writeFault(w, http.StatusBadRequest, err.Error())
		}

		return nil, false
	}

	return body, true
}

func writeFault(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body, _ := json.Marshal(struct {
		FaultMessage string `json:"fault_message"`
	}{FaultMessage: message})

	w.Write(body) //nolint:errcheck
}

func writeResponse(w http.ResponseWriter, resp Response) {
	if resp.Err != nil {
		writeFault(w, http.StatusBadRequest, resp.Err.Error())

		return
	}

	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusNoContent
	}

	if len(resp.Body) == 0 {
		w.WriteHeader(resp.StatusCode)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body) //nolint:errcheck
}
