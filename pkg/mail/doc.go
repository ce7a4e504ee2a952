// Package mail provides the SMTP transport client for chase notifications:
// session establishment with STARTTLS and timeout, per-recipient delivery
// outcomes within a single session, and HTML template rendering.
package mail
