/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dispatch drives bulk notification sends: it partitions recipients
// into chunks, attempts one transport call per chunk, and retries failed
// recipients individually with exponential backoff until the retry budget is
// exhausted. Every input recipient ends in exactly one of the sent or failed
// partitions.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telekom/hrdata-chaser/pkg/mail"
	"github.com/telekom/hrdata-chaser/pkg/metrics"
)

// maxBackoff caps the delay between retry attempts.
const maxBackoff = 32 * time.Second

// Recipient is one addressee of a dispatch run.
type Recipient struct {
	Address string
	Name    string
}

// Message is a rendered notification ready for the transport.
type Message struct {
	Subject string
	Body    string
}

// Builder renders one message for a chunk of recipients. During individual
// retries it is invoked with a single-element chunk, so builders may
// personalize content when len(chunk) == 1.
type Builder func(chunk []Recipient) (Message, error)

// Result partitions the dispatched recipients. Sent and Failed never overlap
// and together cover every distinct input address.
type Result struct {
	Sent   []Recipient
	Failed map[string]string
}

// Options tunes chunking and the retry policy.
type Options struct {
	// ChunkSize is the number of recipients per bulk transport call.
	// Non-positive means the whole batch goes out in one chunk.
	ChunkSize int
	// MaxRetries bounds the individual retry attempts per recipient.
	MaxRetries int
	// BaseBackoff is the delay after the first failed retry attempt; it
	// doubles after each further failure.
	BaseBackoff time.Duration
	// RatePerSecond caps transport calls. Zero disables the limiter.
	RatePerSecond float64
}

// Dispatcher sends one bounded batch per call. It is safe for sequential
// reuse across runs; a single call never spawns concurrent sends.
type Dispatcher struct {
	sender  mail.Sender
	log     *zap.SugaredLogger
	opts    Options
	limiter *rate.Limiter
}

// New creates a Dispatcher. Zero option values fall back to defaults
// (3 retries, 2s base backoff).
func New(sender mail.Sender, log *zap.SugaredLogger, opts Options) *Dispatcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	d := &Dispatcher{
		sender: sender,
		log:    log.Named("dispatch"),
		opts:   opts,
	}
	if opts.RatePerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return d
}

// Dispatch sends the given message to all recipients. Duplicate addresses are
// collapsed to their first occurrence; blank addresses fail without a
// transport call. An empty input yields empty partitions, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []Recipient, build Builder) Result {
	result := Result{Failed: make(map[string]string)}

	pending := make([]Recipient, 0, len(recipients))
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		r.Address = strings.TrimSpace(r.Address)
		if r.Address == "" {
			result.Failed[r.Address] = "empty recipient address"
			continue
		}
		if seen[r.Address] {
			continue
		}
		seen[r.Address] = true
		pending = append(pending, r)
	}
	if len(pending) == 0 {
		return result
	}

	d.log.Infow("Dispatching batch",
		"recipients", len(pending),
		"chunkSize", d.opts.ChunkSize,
		"maxRetries", d.opts.MaxRetries)

	// Bulk pass: one transport call per chunk. Failures stay provisional and
	// feed the individual retry pass below.
	provisional := make([]Recipient, 0)
	reasons := make(map[string]string)
	for _, chunk := range chunkRecipients(pending, d.opts.ChunkSize) {
		accepted, rejected, chunkReasons := d.sendChunk(ctx, chunk, build)
		result.Sent = append(result.Sent, accepted...)
		provisional = append(provisional, rejected...)
		for addr, reason := range chunkReasons {
			reasons[addr] = reason
		}
	}

	// Retry pass: one recipient at a time, exponential backoff between
	// attempts, first success wins.
	for _, r := range provisional {
		if ok, lastReason := d.retrySingle(ctx, r, build, reasons[r.Address]); ok {
			result.Sent = append(result.Sent, r)
		} else {
			result.Failed[r.Address] = lastReason
			metrics.DispatchExhausted.WithLabelValues(d.sender.GetHost()).Inc()
		}
	}

	d.log.Infow("Dispatch finished",
		"sent", len(result.Sent),
		"failed", len(result.Failed))
	return result
}

// sendChunk performs the bulk attempt for one chunk. Recipients absent from
// the rejection outcome count as accepted; everything else is provisionally
// failed with its reason.
func (d *Dispatcher) sendChunk(ctx context.Context, chunk []Recipient, build Builder) (accepted, rejected []Recipient, reasons map[string]string) {
	reasons = make(map[string]string, len(chunk))
	failAll := func(reason string) ([]Recipient, []Recipient, map[string]string) {
		out := make([]Recipient, len(chunk))
		copy(out, chunk)
		for i := range out {
			reasons[out[i].Address] = reason
		}
		return nil, out, reasons
	}

	if err := d.wait(ctx); err != nil {
		return failAll(err.Error())
	}

	msg, err := build(chunk)
	if err != nil {
		return failAll(fmt.Sprintf("building message: %v", err))
	}

	out, err := d.sender.Send(addresses(chunk), msg.Subject, msg.Body)
	if err != nil {
		// Session-level failure applies uniformly to the whole chunk.
		d.log.Warnw("Chunk send failed", "recipients", len(chunk), "error", err)
		return failAll(err.Error())
	}

	acceptedSet := make(map[string]bool, len(out.Accepted))
	for _, addr := range out.Accepted {
		acceptedSet[addr] = true
	}
	for _, r := range chunk {
		if acceptedSet[r.Address] {
			accepted = append(accepted, r)
			continue
		}
		reason := out.Rejected[r.Address]
		if reason == "" {
			reason = "recipient missing from transport outcome"
		}
		reasons[r.Address] = reason
		rejected = append(rejected, r)
	}
	return accepted, rejected, reasons
}

// retrySingle retries one recipient with a one-recipient message until it
// succeeds or the retry budget is exhausted. Returns the final state and the
// last observed failure reason.
func (d *Dispatcher) retrySingle(ctx context.Context, r Recipient, build Builder, lastReason string) (bool, string) {
	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, d.backoff(attempt-1)); err != nil {
				return false, lastReason
			}
		}
		if err := d.wait(ctx); err != nil {
			return false, lastReason
		}

		metrics.DispatchRetries.WithLabelValues(d.sender.GetHost()).Inc()
		msg, err := build([]Recipient{r})
		if err != nil {
			lastReason = fmt.Sprintf("building message: %v", err)
			continue
		}
		out, err := d.sender.Send([]string{r.Address}, msg.Subject, msg.Body)
		if err != nil {
			lastReason = err.Error()
			d.log.Warnw("Retry attempt failed", "recipient", r.Address, "attempt", attempt, "error", err)
			continue
		}
		if reason, rejected := out.Rejected[r.Address]; rejected {
			lastReason = reason
			d.log.Warnw("Retry attempt rejected", "recipient", r.Address, "attempt", attempt, "reason", reason)
			continue
		}

		d.log.Infow("Retry succeeded", "recipient", r.Address, "attempt", attempt)
		return true, ""
	}

	d.log.Errorw("Recipient failed after all retries",
		"recipient", r.Address,
		"attempts", d.opts.MaxRetries,
		"lastReason", lastReason)
	return false, lastReason
}

// backoff computes the delay after the nth failed retry attempt:
// base, 2*base, 4*base, ... capped at maxBackoff.
func (d *Dispatcher) backoff(n int) time.Duration {
	delay := d.opts.BaseBackoff << (n - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	return delay
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	return d.limiter.Wait(ctx)
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func chunkRecipients(recipients []Recipient, size int) [][]Recipient {
	if size <= 0 || size >= len(recipients) {
		return [][]Recipient{recipients}
	}
	chunks := make([][]Recipient, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		chunks = append(chunks, recipients[start:end])
	}
	return chunks
}

func addresses(recipients []Recipient) []string {
	out := make([]string, len(recipients))
	for i, r := range recipients {
		out[i] = r.Address
	}
	return out
}
