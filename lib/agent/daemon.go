// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loom-foundation/loom/lib/schema"
)

// pollLoop drains the queue at the configured cadence and hands each
// non-empty batch to the external processor. Batches run on the loop
// goroutine, so they never overlap; ticks that arrive mid-batch are
// dropped by the ticker's single-slot channel, and the inbox signal
// wakes the loop early when traffic arrives.
func (r *Runtime) pollLoop(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	r.logger.Info("daemon loop started",
		"agent", r.cfg.Agent, "interval", r.cfg.PollInterval())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("daemon loop stopping", "agent", r.cfg.Agent)
			return
		case <-ticker.C:
		case <-r.inbox:
		}

		batch := r.queue.Drain()
		if len(batch) == 0 {
			continue
		}
		if err := r.processBatch(ctx, batch); err != nil {
			r.logger.Error("batch processing failed",
				"agent", r.cfg.Agent, "batch_size", len(batch), "error", err)
		}
	}
}

// processBatch feeds the drained messages to the processor command as
// a JSON array on stdin. Stdout and stderr are drained concurrently
// line by line into the log — a child that writes more than a pipe
// buffer must never stall the loop.
func (r *Runtime) processBatch(ctx context.Context, batch []schema.Incoming) error {
	encoded, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("agent: encoding batch: %w", err)
	}

	command := exec.CommandContext(ctx, r.cfg.Processor[0], r.cfg.Processor[1:]...)

	stdin, err := command.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent: opening processor stdin: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent: opening processor stdout: %w", err)
	}
	stderr, err := command.StderrPipe()
	if err != nil {
		return fmt.Errorf("agent: opening processor stderr: %w", err)
	}

	if err := command.Start(); err != nil {
		return fmt.Errorf("agent: starting processor: %w", err)
	}

	drained := make(chan struct{}, 2)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			r.logger.Info("processor output", "line", scanner.Text())
		}
		drained <- struct{}{}
	}()
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			r.logger.Warn("processor stderr", "line", scanner.Text())
		}
		drained <- struct{}{}
	}()

	if _, err := stdin.Write(encoded); err != nil {
		stdin.Close()
		command.Wait()
		return fmt.Errorf("agent: writing batch to processor: %w", err)
	}
	stdin.Close()

	<-drained
	<-drained
	if err := command.Wait(); err != nil {
		return fmt.Errorf("agent: processor exited: %w", err)
	}

	r.logger.Info("batch processed", "agent", r.cfg.Agent, "batch_size", len(batch))
	return nil
}
