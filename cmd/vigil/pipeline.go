// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/detection"
	"github.com/vigilsec/vigil/internal/logging"
)

// maxLineBytes bounds a single NDJSON input line.
const maxLineBytes = 1 << 20

// Pipeline streams NDJSON access events from a reader through the engine
// and writes detected anomalies as NDJSON to a writer. It implements
// suture.Service.
type Pipeline struct {
	engine *detection.Engine
	in     io.Reader
	out    io.Writer

	mu     sync.Mutex
	onDone func()
}

// NewPipeline creates an event pipeline.
func NewPipeline(engine *detection.Engine, in io.Reader, out io.Writer) *Pipeline {
	return &Pipeline{engine: engine, in: in, out: out}
}

// OnDone registers a callback invoked when the input stream is exhausted.
func (p *Pipeline) OnDone(fn func()) {
	p.mu.Lock()
	p.onDone = fn
	p.mu.Unlock()
}

// Serve reads events until EOF or context cancellation. Malformed lines
// are logged and skipped; the stream keeps flowing.
func (p *Pipeline) Serve(ctx context.Context) error {
	logger := logging.WithComponent("pipeline")

	scanner := bufio.NewScanner(p.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	writer := bufio.NewWriter(p.out)
	defer writer.Flush()

	var processed, emitted, malformed int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event detection.AccessEvent
		if err := json.Unmarshal(line, &event); err != nil {
			malformed++
			logger.Warn().Err(err).Msg("Skipping malformed event line")
			continue
		}

		anomalies, err := p.engine.ProcessEvent(ctx, &event)
		if err != nil {
			logger.Error().Err(err).Msg("Event processing failed")
			continue
		}
		processed++

		for _, a := range anomalies {
			data, err := json.Marshal(a)
			if err != nil {
				logger.Error().Err(err).Str("anomaly_id", a.ID).Msg("Failed to marshal anomaly")
				continue
			}
			if _, err := writer.Write(append(data, '\n')); err != nil {
				return fmt.Errorf("write anomaly: %w", err)
			}
			emitted++
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flush output: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}

	logger.Info().
		Int("processed", processed).
		Int("anomalies", emitted).
		Int("malformed", malformed).
		Msg("Event stream exhausted")

	p.mu.Lock()
	done := p.onDone
	p.mu.Unlock()
	if done != nil {
		done()
	}

	// Block until shutdown so the supervisor does not restart the
	// pipeline against a drained reader.
	<-ctx.Done()
	return ctx.Err()
}

func (p *Pipeline) String() string { return "event-pipeline" }

// ReadEvents slurps an entire NDJSON event stream, skipping malformed
// lines. Used by the training command.
func ReadEvents(ctx context.Context, r io.Reader) ([]detection.AccessEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var events []detection.AccessEvent
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event detection.AccessEvent
		if err := json.Unmarshal(line, &event); err != nil {
			logging.Warn().Err(err).Msg("Skipping malformed event line")
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}
