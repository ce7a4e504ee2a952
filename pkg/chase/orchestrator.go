// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package chase drives one end-to-end escalation run: select eligible owners
// from the ledger, dispatch reminder notices, and write the outcome facts
// back so the next run sees them.
package chase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telekom/hrdata-chaser/pkg/audit"
	"github.com/telekom/hrdata-chaser/pkg/config"
	"github.com/telekom/hrdata-chaser/pkg/dispatch"
	"github.com/telekom/hrdata-chaser/pkg/ledger"
	"github.com/telekom/hrdata-chaser/pkg/mail"
	"github.com/telekom/hrdata-chaser/pkg/metrics"
)

// Dispatcher is the slice of the batch dispatcher the orchestrator needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipients []dispatch.Recipient, build dispatch.Builder) dispatch.Result
}

// Summary is the outcome of one dispatch run. Attempted equals
// Sent + Failed + Skipped.
type Summary struct {
	RunID     string
	Attempted int
	Sent      int
	Failed    int
	Skipped   int
}

// Orchestrator owns the run state machine.
type Orchestrator struct {
	cfg        config.Config
	ledger     ledger.Ledger
	dispatcher Dispatcher
	recorder   *audit.Recorder
	log        *zap.SugaredLogger
}

func New(cfg config.Config, led ledger.Ledger, d Dispatcher, rec *audit.Recorder, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		ledger:     led,
		dispatcher: d,
		recorder:   rec,
		log:        log.Named("chase"),
	}
}

// PendingRunSize reports how many owners the next run would address, without
// sending anything or writing any fact.
func (o *Orchestrator) PendingRunSize(ctx context.Context) (int, error) {
	owners, err := o.ledger.EligibleOwners(ctx, o.cfg.Cooldown())
	if err != nil {
		return 0, err
	}
	return len(owners), nil
}

// RunOnce executes one dispatch run. A selection failure aborts the run; all
// later failures are per-owner and absorbed into the summary.
func (o *Orchestrator) RunOnce(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}

	if !o.cfg.IsProduction() {
		o.log.Infow("Environment is not PROD, skipping dispatch", "env", o.cfg.Env, "runID", summary.RunID)
		o.recorder.Record(ctx, audit.EventRunGated, summary.RunID, "", map[string]any{"env": o.cfg.Env})
		metrics.RunsTotal.WithLabelValues("gated").Inc()
		return summary, nil
	}

	owners, err := o.ledger.EligibleOwners(ctx, o.cfg.Cooldown())
	if err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		o.recorder.Record(ctx, audit.EventRunFailed, summary.RunID, "", map[string]any{"error": err.Error()})
		return summary, fmt.Errorf("selecting eligible owners: %w", err)
	}

	summary.Attempted = len(owners)
	if len(owners) == 0 {
		o.log.Infow("No owners eligible for chasing", "runID", summary.RunID)
		metrics.RunsTotal.WithLabelValues("success").Inc()
		o.recorder.Record(ctx, audit.EventRunCompleted, summary.RunID, "", map[string]any{"attempted": 0})
		return summary, nil
	}

	o.recorder.Record(ctx, audit.EventRunStarted, summary.RunID, "", map[string]any{"attempted": len(owners)})

	byEmail := make(map[string]ledger.OwnerChase, len(owners))
	recipients := make([]dispatch.Recipient, 0, len(owners))
	for _, owner := range owners {
		byEmail[owner.Email] = owner
		recipients = append(recipients, dispatch.Recipient{Address: owner.Email, Name: owner.Name})
	}

	result := o.dispatcher.Dispatch(ctx, recipients, o.buildMessage(byEmail))

	o.reconcile(ctx, &summary, byEmail, result)

	metrics.RunsTotal.WithLabelValues("success").Inc()
	o.log.Infow("Dispatch run completed",
		"runID", summary.RunID,
		"attempted", summary.Attempted,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped", summary.Skipped)
	o.recorder.Record(ctx, audit.EventRunCompleted, summary.RunID, "", map[string]any{
		"attempted": summary.Attempted,
		"sent":      summary.Sent,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	})
	return summary, nil
}

// buildMessage returns the dispatch builder. A single-recipient chunk gets a
// personalized body; larger chunks fall back to generic wording.
func (o *Orchestrator) buildMessage(byEmail map[string]ledger.OwnerChase) dispatch.Builder {
	return func(chunk []dispatch.Recipient) (dispatch.Message, error) {
		var params mail.ChaseMailParams
		if len(chunk) == 1 {
			if owner, ok := byEmail[chunk[0].Address]; ok {
				params = mail.ChaseMailParams{
					OwnerName:      owner.Name,
					PendingFiles:   owner.PendingFiles,
					ChaseNumber:    owner.ChaseCount + 1,
					LastNotifiedAt: owner.LastNotifiedAt.Format("02 Jan 2006"),
				}
			}
		}
		body, err := mail.RenderChase(params)
		if err != nil {
			return dispatch.Message{}, fmt.Errorf("rendering chase notice: %w", err)
		}
		return dispatch.Message{Subject: o.cfg.Chase.Subject, Body: body}, nil
	}
}

// reconcile writes one fact per owner and folds the transport partition into
// the summary. Ledger write failures leave the owner in Failed: the notice
// may have gone out, but the next run must treat it as unconfirmed.
func (o *Orchestrator) reconcile(ctx context.Context, summary *Summary, byEmail map[string]ledger.OwnerChase, result dispatch.Result) {
	window := o.cfg.DedupWindow()

	for _, r := range result.Sent {
		owner, ok := byEmail[r.Address]
		if !ok {
			continue
		}
		seq := owner.ChaseCount + 1
		rows, err := o.ledger.RecordAttempt(ctx, owner.Email, ledger.KindChase, true, false, seq, window)
		switch {
		case err != nil:
			summary.Failed++
			metrics.RunRecipients.WithLabelValues("failed").Inc()
			o.log.Errorw("Notice sent but ledger write failed", "email", owner.Email, "error", err)
			o.recorder.Record(ctx, audit.EventChaseFailed, summary.RunID, owner.Email, map[string]any{
				"stage": "ledger",
				"error": err.Error(),
			})
		case rows == 0:
			summary.Skipped++
			metrics.RunRecipients.WithLabelValues("skipped").Inc()
			o.recorder.Record(ctx, audit.EventChaseSkipped, summary.RunID, owner.Email, map[string]any{
				"reason": "dedup window",
			})
		default:
			summary.Sent++
			metrics.RunRecipients.WithLabelValues("sent").Inc()
			o.recorder.Record(ctx, audit.EventChaseSent, summary.RunID, owner.Email, map[string]any{
				"chaseSequence": seq,
				"pendingFiles":  owner.PendingFiles,
			})
		}
	}

	for addr, reason := range result.Failed {
		owner, ok := byEmail[addr]
		if !ok {
			summary.Failed++
			metrics.RunRecipients.WithLabelValues("failed").Inc()
			o.recorder.Record(ctx, audit.EventChaseFailed, summary.RunID, addr, map[string]any{"reason": reason})
			continue
		}
		// Failed attempts are facts too: they occupy the dedup window so the
		// owner is not hammered on the next run within the same day.
		rows, err := o.ledger.RecordAttempt(ctx, owner.Email, ledger.KindChase, true, true, owner.ChaseCount+1, window)
		switch {
		case err != nil:
			summary.Failed++
			metrics.RunRecipients.WithLabelValues("failed").Inc()
			o.log.Errorw("Recording failed attempt", "email", owner.Email, "error", err)
			o.recorder.Record(ctx, audit.EventChaseFailed, summary.RunID, owner.Email, map[string]any{"reason": reason})
		case rows == 0:
			summary.Skipped++
			metrics.RunRecipients.WithLabelValues("skipped").Inc()
			o.recorder.Record(ctx, audit.EventChaseSkipped, summary.RunID, owner.Email, map[string]any{
				"reason": "dedup window",
			})
		default:
			summary.Failed++
			metrics.RunRecipients.WithLabelValues("failed").Inc()
			o.recorder.Record(ctx, audit.EventChaseFailed, summary.RunID, owner.Email, map[string]any{"reason": reason})
		}
	}
}
