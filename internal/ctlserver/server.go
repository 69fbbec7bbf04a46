// Package ctlserver implements the local control endpoint of the
// daemon: a unix socket speaking newline-delimited JSON with the
// same framing the machine control protocol uses. One line carries
// one command, the response is a single "return" or "error" line.
package ctlserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler executes a single named command.
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// CommandError carries a machine-readable error class
// to the client.
type CommandError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Desc)
}

type request struct {
	Execute   string          `json:"execute"`
	Arguments json.RawMessage `json:"arguments"`
}

type successResponse struct {
	Return interface{} `json:"return"`
}

type errorResponse struct {
	Error *CommandError `json:"error"`
}

type Server struct {
	path string

	mu       sync.RWMutex
	handlers map[string]Handler

	logger *log.Entry
}

func NewServer(path string) *Server {
	return &Server{
		path:     path,
		handlers: make(map[string]Handler),
		logger:   log.WithField("component", "ctlserver"),
	}
}

// Handle registers the handler for a command name.
// Registration after ListenAndServe is safe.
func (s *Server) Handle(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[name] = h
}

// ListenAndServe accepts connections on the control socket until
// ctx is cancelled. A stale socket file from a previous run
// is removed first.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()

		l.Close()
	}()

	s.logger.Infof("Listening on %s", s.path)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()

		if len(line) == 0 {
			continue
		}

		var req request

		if err := json.Unmarshal(line, &req); err != nil {
			s.reply(encoder, nil, &CommandError{Class: "ParseError", Desc: err.Error()})

			continue
		}

		s.mu.RLock()
		h, found := s.handlers[req.Execute]
		s.mu.RUnlock()

		if !found {
			s.reply(encoder, nil, &CommandError{Class: "CommandNotFound", Desc: fmt.Sprintf("unknown command: %q", req.Execute)})

			continue
		}

		res, err := h(ctx, req.Arguments)
		if err != nil {
			s.reply(encoder, nil, asCommandError(err))

			continue
		}

		s.reply(encoder, res, nil)
	}
}

func (s *Server) reply(encoder *json.Encoder, res interface{}, cerr *CommandError) {
	var err error

	if cerr != nil {
		err = encoder.Encode(errorResponse{Error: cerr})
	} else {
		if res == nil {
			res = struct{}{}
		}

		err = encoder.Encode(successResponse{Return: res})
	}

	if err != nil {
		s.logger.Debugf("Failed to write response: %s", err)
	}
}

func asCommandError(err error) *CommandError {
	var cerr *CommandError

	if errors.As(err, &cerr) {
		return cerr
	}

	return &CommandError{Class: "GenericError", Desc: err.Error()}
}
