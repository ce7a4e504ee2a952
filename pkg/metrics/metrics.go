package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mail transport metrics
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_mail_send_success_total",
		Help: "Total number of recipients accepted by the mail relay",
	}, []string{"host"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_mail_send_failure_total",
		Help: "Total number of recipients rejected by the mail relay",
	}, []string{"host"})
	MailSessionFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_mail_session_failure_total",
		Help: "Total number of mail relay sessions that could not be established",
	}, []string{"host"})

	// Dispatch metrics
	DispatchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_dispatch_retry_total",
		Help: "Total number of individual recipient retry attempts",
	}, []string{"host"})
	DispatchExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_dispatch_exhausted_total",
		Help: "Total number of recipients that failed after exhausting all retries",
	}, []string{"host"})

	// Escalation ledger metrics
	ChaseRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_chase_recorded_total",
		Help: "Total number of notification attempts recorded in the ledger",
	}, []string{"kind"})
	ChaseDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chaser_chase_deduped_total",
		Help: "Total number of ledger writes blocked by the dedup window",
	})
	LedgerWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chaser_ledger_write_errors_total",
		Help: "Total number of failed ledger writes",
	})

	// Run lifecycle metrics
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_runs_total",
		Help: "Total number of chase dispatch runs by outcome",
	}, []string{"outcome"})
	RunRecipients = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_run_recipients_total",
		Help: "Total number of recipients processed across runs by result",
	}, []string{"result"})

	// Audit sink metrics
	AuditEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_audit_events_total",
		Help: "Total number of audit events written per sink and outcome",
	}, []string{"sink", "outcome"})

	// Ingestion metrics
	IngestRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chaser_ingest_rows_total",
		Help: "Total number of raw rows written during ingestion",
	})
	IngestArchives = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaser_ingest_archives_total",
		Help: "Total number of pickup archives processed by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(MailSessionFailure)
	prometheus.MustRegister(DispatchRetries)
	prometheus.MustRegister(DispatchExhausted)
	prometheus.MustRegister(ChaseRecorded)
	prometheus.MustRegister(ChaseDeduped)
	prometheus.MustRegister(LedgerWriteErrors)
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunRecipients)
	prometheus.MustRegister(AuditEvents)
	prometheus.MustRegister(IngestRows)
	prometheus.MustRegister(IngestArchives)
}

// Handler returns the HTTP handler serving the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
