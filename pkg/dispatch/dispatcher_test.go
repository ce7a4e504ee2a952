package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telekom/hrdata-chaser/pkg/mail"
)

type sendCall struct {
	recipients []string
	at         time.Time
}

// scriptedSender simulates a relay with configurable per-recipient and
// session-level failures.
type scriptedSender struct {
	mu           sync.Mutex
	calls        []sendCall
	rejectAlways map[string]string
	rejectTimes  map[string]int
	sessionFails int
}

func (s *scriptedSender) Send(recipients []string, subject, body string) (*mail.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sendCall{recipients: append([]string(nil), recipients...), at: time.Now()})

	if s.sessionFails > 0 {
		s.sessionFails--
		return nil, errors.New("dial tcp: connection refused")
	}

	out := &mail.Outcome{Rejected: make(map[string]string)}
	for _, r := range recipients {
		if reason, ok := s.rejectAlways[r]; ok {
			out.Rejected[r] = reason
			continue
		}
		if n := s.rejectTimes[r]; n > 0 {
			s.rejectTimes[r] = n - 1
			out.Rejected[r] = "451 4.7.1 try again later"
			continue
		}
		out.Accepted = append(out.Accepted, r)
	}
	return out, nil
}

func (s *scriptedSender) GetHost() string { return "relay.test" }
func (s *scriptedSender) GetPort() int    { return 25 }

// attemptsFor counts the transport calls that included the given address.
func (s *scriptedSender) attemptsFor(addr string) []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sendCall
	for _, c := range s.calls {
		for _, r := range c.recipients {
			if r == addr {
				out = append(out, c)
			}
		}
	}
	return out
}

func constantBuilder(chunk []Recipient) (Message, error) {
	return Message{Subject: "Reminder", Body: "<p>reminder</p>"}, nil
}

func newTestDispatcher(sender mail.Sender, opts Options) *Dispatcher {
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Millisecond
	}
	return New(sender, zap.NewNop().Sugar(), opts)
}

func recipients(addrs ...string) []Recipient {
	out := make([]Recipient, len(addrs))
	for i, a := range addrs {
		out[i] = Recipient{Address: a}
	}
	return out
}

// assertPartition checks that sent and failed cover every input address
// exactly once with no overlap.
func assertPartition(t *testing.T, input []Recipient, result Result) {
	t.Helper()
	seen := make(map[string]int)
	for _, r := range result.Sent {
		seen[r.Address]++
	}
	for addr := range result.Failed {
		seen[addr]++
	}
	distinct := make(map[string]bool)
	for _, r := range input {
		distinct[r.Address] = true
	}
	assert.Len(t, seen, len(distinct))
	for addr := range distinct {
		assert.Equal(t, 1, seen[addr], "address %q must end in exactly one partition", addr)
	}
}

func TestDispatch_EmptyInput(t *testing.T) {
	sender := &scriptedSender{}
	d := newTestDispatcher(sender, Options{})

	result := d.Dispatch(context.Background(), nil, constantBuilder)

	assert.Empty(t, result.Sent)
	assert.Empty(t, result.Failed)
	assert.Empty(t, sender.calls, "no transport call for empty input")
}

func TestDispatch_AllAccepted(t *testing.T) {
	sender := &scriptedSender{}
	d := newTestDispatcher(sender, Options{})

	input := recipients("a@x.com", "b@x.com", "c@x.com")
	result := d.Dispatch(context.Background(), input, constantBuilder)

	assert.Len(t, result.Sent, 3)
	assert.Empty(t, result.Failed)
	assertPartition(t, input, result)
	require.Len(t, sender.calls, 1, "non-positive chunk size means one bulk call")
	assert.Len(t, sender.calls[0].recipients, 3)
}

func TestDispatch_PartitionWithMixedOutcomes(t *testing.T) {
	sender := &scriptedSender{
		rejectAlways: map[string]string{"bad@x.com": "550 mailbox unavailable"},
	}
	d := newTestDispatcher(sender, Options{MaxRetries: 2})

	input := recipients("a@x.com", "bad@x.com", "c@x.com")
	result := d.Dispatch(context.Background(), input, constantBuilder)

	assert.Len(t, result.Sent, 2)
	require.Contains(t, result.Failed, "bad@x.com")
	assert.Equal(t, "550 mailbox unavailable", result.Failed["bad@x.com"])
	assertPartition(t, input, result)
}

func TestDispatch_RejectedThenAcceptedOnRetry(t *testing.T) {
	// Bulk call accepts a and rejects b; b succeeds on its first
	// individual retry.
	sender := &scriptedSender{rejectTimes: map[string]int{"b@x.com": 1}}
	d := newTestDispatcher(sender, Options{ChunkSize: 2, MaxRetries: 3})

	input := recipients("a@x.com", "b@x.com")
	result := d.Dispatch(context.Background(), input, constantBuilder)

	assert.Len(t, result.Sent, 2)
	assert.Empty(t, result.Failed)

	require.Len(t, sender.calls, 2)
	assert.Len(t, sender.calls[0].recipients, 2, "first call is the bulk chunk")
	assert.Equal(t, []string{"b@x.com"}, sender.calls[1].recipients, "retry is individual")
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	sender := &scriptedSender{
		rejectAlways: map[string]string{"c@x.com": "550 no such user"},
	}
	d := newTestDispatcher(sender, Options{MaxRetries: 3})

	result := d.Dispatch(context.Background(), recipients("c@x.com"), constantBuilder)

	assert.Empty(t, result.Sent)
	assert.Equal(t, map[string]string{"c@x.com": "550 no such user"}, result.Failed)
	// One bulk attempt plus maxRetries individual attempts.
	assert.Len(t, sender.attemptsFor("c@x.com"), 4)
}

func TestDispatch_BackoffSchedule(t *testing.T) {
	base := 40 * time.Millisecond
	sender := &scriptedSender{
		rejectAlways: map[string]string{"c@x.com": "451 busy"},
	}
	d := newTestDispatcher(sender, Options{MaxRetries: 3, BaseBackoff: base})

	start := time.Now()
	result := d.Dispatch(context.Background(), recipients("c@x.com"), constantBuilder)
	elapsed := time.Since(start)

	require.Contains(t, result.Failed, "c@x.com")
	attempts := sender.attemptsFor("c@x.com")
	require.Len(t, attempts, 4)

	// Delay before retry 2 is base, before retry 3 is 2*base; the first
	// retry follows the bulk attempt immediately.
	gap12 := attempts[2].at.Sub(attempts[1].at)
	gap23 := attempts[3].at.Sub(attempts[2].at)
	assert.GreaterOrEqual(t, gap12, base)
	assert.GreaterOrEqual(t, gap23, 2*base)
	assert.Less(t, elapsed, 20*base, "backoff schedule should not balloon")
}

func TestDispatch_SessionFailureFeedsRetryPath(t *testing.T) {
	// The bulk session fails entirely; both recipients must be retried
	// individually and succeed.
	sender := &scriptedSender{sessionFails: 1}
	d := newTestDispatcher(sender, Options{ChunkSize: 2, MaxRetries: 2})

	input := recipients("a@x.com", "b@x.com")
	result := d.Dispatch(context.Background(), input, constantBuilder)

	assert.Len(t, result.Sent, 2)
	assert.Empty(t, result.Failed)
	assertPartition(t, input, result)
	require.Len(t, sender.calls, 3, "one failed bulk call, two individual retries")
}

func TestDispatch_AllSessionsFail(t *testing.T) {
	sender := &scriptedSender{sessionFails: 100}
	d := newTestDispatcher(sender, Options{ChunkSize: 2, MaxRetries: 2})

	input := recipients("a@x.com", "b@x.com")
	result := d.Dispatch(context.Background(), input, constantBuilder)

	assert.Empty(t, result.Sent)
	assert.Len(t, result.Failed, 2)
	for addr, reason := range result.Failed {
		assert.Contains(t, reason, "connection refused", "failure for %s carries the transport error", addr)
	}
	assertPartition(t, input, result)
}

func TestDispatch_Chunking(t *testing.T) {
	sender := &scriptedSender{}
	d := newTestDispatcher(sender, Options{ChunkSize: 2})

	input := recipients("a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com")
	result := d.Dispatch(context.Background(), input, constantBuilder)

	assert.Len(t, result.Sent, 5)
	require.Len(t, sender.calls, 3)
	assert.Len(t, sender.calls[0].recipients, 2)
	assert.Len(t, sender.calls[1].recipients, 2)
	assert.Len(t, sender.calls[2].recipients, 1)
}

func TestDispatch_DuplicatesAndBlanks(t *testing.T) {
	sender := &scriptedSender{}
	d := newTestDispatcher(sender, Options{})

	input := []Recipient{
		{Address: "a@x.com"},
		{Address: " a@x.com "},
		{Address: "   "},
		{Address: "b@x.com"},
	}
	result := d.Dispatch(context.Background(), input, constantBuilder)

	assert.Len(t, result.Sent, 2, "duplicates collapse to their first occurrence")
	require.Contains(t, result.Failed, "")
	assert.Equal(t, "empty recipient address", result.Failed[""])
}

func TestDispatch_BuilderError(t *testing.T) {
	sender := &scriptedSender{}
	d := newTestDispatcher(sender, Options{MaxRetries: 2})

	failing := func(chunk []Recipient) (Message, error) {
		return Message{}, fmt.Errorf("template exploded")
	}
	result := d.Dispatch(context.Background(), recipients("a@x.com"), failing)

	assert.Empty(t, result.Sent)
	require.Contains(t, result.Failed, "a@x.com")
	assert.Contains(t, result.Failed["a@x.com"], "building message")
	assert.Empty(t, sender.calls, "no transport call when the message cannot be built")
}

func TestDispatch_BuilderSeesSingleRecipientOnRetry(t *testing.T) {
	sender := &scriptedSender{rejectTimes: map[string]int{"b@x.com": 1}}
	d := newTestDispatcher(sender, Options{ChunkSize: 2, MaxRetries: 2})

	var chunkSizes []int
	builder := func(chunk []Recipient) (Message, error) {
		chunkSizes = append(chunkSizes, len(chunk))
		return Message{Subject: "s", Body: "b"}, nil
	}

	result := d.Dispatch(context.Background(), recipients("a@x.com", "b@x.com"), builder)

	assert.Len(t, result.Sent, 2)
	assert.Equal(t, []int{2, 1}, chunkSizes)
}
