// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package stdio drives the newline-delimited JSON-RPC stream. Lines are
// processed concurrently up to a configured bound, so responses may be
// written in a different order than their requests arrived.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-core-stack/mcp-command-proxy/pkg/jsonrpc"
)

// Processor answers a single line.
type Processor interface {
	Process(ctx context.Context, line []byte) *jsonrpc.Response
}

// Options tunes the loop.
type Options struct {
	// MaxInFlight bounds concurrently processed lines. Values below 1 mean 1.
	MaxInFlight int
	// DrainTimeout bounds how long in-flight lines may run after a shutdown
	// request. Zero waits indefinitely.
	DrainTimeout time.Duration
}

// Server reads requests from in and writes responses to out.
type Server struct {
	proc   Processor
	in     io.Reader
	out    io.Writer
	opts   Options
	base   zerolog.Logger
	logger zerolog.Logger

	writeMu sync.Mutex
}

type readResult struct {
	line []byte
	err  error
}

// New constructs a Server.
func New(proc Processor, in io.Reader, out io.Writer, opts Options, logger zerolog.Logger) *Server {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	return &Server{
		proc:   proc,
		in:     in,
		out:    out,
		opts:   opts,
		base:   logger,
		logger: logger.With().Str("component", "stdio").Logger(),
	}
}

// Serve runs until input is exhausted or ctx is cancelled. In both cases it
// waits for in-flight lines (bounded by DrainTimeout after cancellation) and
// returns nil. Only a failing reader produces an error.
func (s *Server) Serve(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("transport loop crashed")
			s.writeInternalError(nil)
			err = fmt.Errorf("transport loop crashed: %v", r)
		}
	}()

	// Lines outlive ctx so a shutdown lets them finish within DrainTimeout.
	lineCtx, cancelLines := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLines()

	lines := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go s.read(lines, stop)

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, s.opts.MaxInFlight)
		readErr error
	)

loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutdown requested; input closed")
			break loop
		case res, ok := <-lines:
			if !ok {
				break loop
			}
			if res.err != nil {
				readErr = res.err
				break loop
			}
			if len(bytes.TrimSpace(res.line)) == 0 {
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				s.logger.Info().Msg("shutdown requested; pending line dropped")
				break loop
			}

			wg.Add(1)
			go func(line []byte) {
				defer wg.Done()
				defer func() { <-sem }()
				s.handle(lineCtx, line)
			}(res.line)
		}
	}

	s.drain(ctx, &wg, cancelLines)

	if readErr != nil {
		return fmt.Errorf("read input: %w", readErr)
	}
	return nil
}

// read feeds lines until EOF. stop is closed once Serve no longer receives.
func (s *Server) read(lines chan<- readResult, stop <-chan struct{}) {
	send := func(res readResult) bool {
		select {
		case lines <- res:
			return true
		case <-stop:
			return false
		}
	}

	defer close(lines)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("input reader crashed")
			send(readResult{err: fmt.Errorf("input reader crashed: %v", r)})
		}
	}()

	reader := bufio.NewReader(s.in)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && !send(readResult{line: line}) {
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				send(readResult{err: err})
			}
			return
		}
	}
}

// drain waits for in-flight lines. After cancellation the wait is bounded
// by DrainTimeout, then the remaining lines are cancelled.
func (s *Server) drain(ctx context.Context, wg *sync.WaitGroup, cancelLines context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if ctx.Err() == nil || s.opts.DrainTimeout <= 0 {
		<-done
		return
	}

	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn().Dur("timeout", s.opts.DrainTimeout).Msg("in-flight lines did not finish; cancelling")
		cancelLines()
		<-done
	}
}

func (s *Server) handle(ctx context.Context, line []byte) {
	// The context logger carries only line_id; processors add their own component.
	lineLogger := s.base.With().Str("line_id", uuid.NewString()).Logger()
	ctx = lineLogger.WithContext(ctx)
	logger := lineLogger.With().Str("component", "stdio").Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("line processing crashed")
			s.writeInternalError(nil)
		}
	}()

	start := time.Now()
	resp := s.proc.Process(ctx, line)
	if resp == nil {
		return
	}
	s.write(logger, resp)
	logger.Debug().Dur("duration", time.Since(start)).Msg("response written")
}

func (s *Server) write(logger zerolog.Logger, resp *jsonrpc.Response) {
	payload, err := jsonrpc.Encode(resp)
	if err != nil {
		logger.Error().Err(err).Msg("encode response failed")
		s.writeInternalError(resp.ID)
		return
	}
	s.writeLine(logger, payload)
}

// writeInternalError reports a failure that could not be attributed to a
// well-formed response.
func (s *Server) writeInternalError(id json.RawMessage) {
	payload, err := jsonrpc.Encode(jsonrpc.NewErrorResponse(id, jsonrpc.NewInternalError("internal error")))
	if err != nil {
		s.logger.Error().Err(err).Msg("encode internal error failed")
		return
	}
	s.writeLine(s.logger, payload)
}

func (s *Server) writeLine(logger zerolog.Logger, payload []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.out.Write(append(payload, '\n')); err != nil {
		logger.Error().Err(err).Msg("write response failed")
	}
}
