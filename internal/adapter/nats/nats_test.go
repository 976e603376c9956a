package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/agentloop/internal/logger"
	"github.com/Strob0t/agentloop/internal/port/messagequeue"
)

const waitTimeout = 10 * time.Second

var errRunRejected = errors.New("worker rejected run")

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// runID returns a request or session id no earlier test run has used.
// Durable consumers outlive a test, so handlers filter on it.
func runID(t *testing.T) string {
	t.Helper()
	return t.Name() + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

type delivery struct {
	requestID string
	data      []byte
}

// consume subscribes to subject and forwards the messages want accepts,
// together with the request id found in the handler context.
func consume(t *testing.T, q *Queue, subject string, want func(data []byte) bool) <-chan delivery {
	t.Helper()
	out := make(chan delivery, 16)
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, data []byte) error {
		if want(data) {
			out <- delivery{requestID: logger.RequestID(ctx), data: data}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe %s: %v", subject, err)
	}
	t.Cleanup(stop)
	return out
}

// consumeDLQ reads subject+".dlq" with a raw consumer, so the rejected
// payload is not validated again.
func consumeDLQ(t *testing.T, q *Queue, subject string) <-chan []byte {
	t.Helper()
	ctx := context.Background()
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject + ".dlq",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}
	out := make(chan []byte, 16)
	sub, err := consumer.Consume(func(msg jetstream.Msg) {
		out <- msg.Data()
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(sub.Stop)
	return out
}

func hasRequestID(id string) func([]byte) bool {
	return func(data []byte) bool {
		var p struct {
			RequestID string `json:"request_id"`
		}
		return json.Unmarshal(data, &p) == nil && p.RequestID == id
	}
}

func TestQueue_RunStartDelivery(t *testing.T) {
	q := testConnect(t)
	id := runID(t)
	starts := consume(t, q, messagequeue.SubjectRunStart, hasRequestID(id))

	data, _ := json.Marshal(messagequeue.RunStartPayload{
		RequestID:    id,
		Task:         "summarize the changelog",
		AllowedTools: []string{"echo"},
		MaxTurns:     3,
	})
	ctx := logger.WithRequestID(context.Background(), id)
	if err := q.Publish(ctx, messagequeue.SubjectRunStart, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var got delivery
	select {
	case got = <-starts:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for runs.start")
	}

	if got.requestID != id {
		t.Errorf("request id in handler context = %q, want %q", got.requestID, id)
	}
	var p messagequeue.RunStartPayload
	if err := json.Unmarshal(got.data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Task != "summarize the changelog" || p.MaxTurns != 3 || len(p.AllowedTools) != 1 {
		t.Errorf("payload changed in transit: %+v", p)
	}
}

func TestQueue_RunEventsKeepSessionOrder(t *testing.T) {
	q := testConnect(t)
	subject := messagequeue.RunEventsSubject(runID(t))
	events := consume(t, q, subject, func([]byte) bool { return true })

	for _, ev := range []string{
		`{"type":"turn_start","turn":1}`,
		`{"type":"text_delta","text":"hel"}`,
		`{"type":"done"}`,
	} {
		if err := q.Publish(context.Background(), subject, []byte(ev)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var types []string
	for len(types) < 3 {
		select {
		case d := <-events:
			var ev struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(d.data, &ev)
			types = append(types, ev.Type)
		case <-time.After(waitTimeout):
			t.Fatalf("timed out after %v", types)
		}
	}
	if types[0] != "turn_start" || types[1] != "text_delta" || types[2] != "done" {
		t.Errorf("event order = %v", types)
	}
}

func TestQueue_RunStartWithoutTaskGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	id := runID(t)
	dlq := consumeDLQ(t, q, messagequeue.SubjectRunStart)

	var handled atomic.Int32
	_ = consume(t, q, messagequeue.SubjectRunStart, func(data []byte) bool {
		if hasRequestID(id)(data) {
			handled.Add(1)
		}
		return false
	})

	rejected := `{"request_id":"` + id + `","task":"  "}`
	if err := q.Publish(context.Background(), messagequeue.SubjectRunStart, []byte(rejected)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(waitTimeout)
	for {
		select {
		case data := <-dlq:
			if !hasRequestID(id)(data) {
				continue
			}
			if handled.Load() != 0 {
				t.Error("a run without a task reached the worker")
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for the dead-lettered run")
		}
	}
}

func TestQueue_FailingCompletionRetriedThenDeadLettered(t *testing.T) {
	q := testConnect(t)
	id := runID(t)
	dlq := consumeDLQ(t, q, messagequeue.SubjectRunComplete)

	var attempts atomic.Int32
	stop, err := q.Subscribe(context.Background(), messagequeue.SubjectRunComplete, func(_ context.Context, _ string, data []byte) error {
		if !hasRequestID(id)(data) {
			return nil
		}
		attempts.Add(1)
		return errRunRejected
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	data, _ := json.Marshal(messagequeue.RunCompletePayload{RequestID: id, SessionID: "s1", Reason: "complete", Success: true})
	if err := q.Publish(context.Background(), messagequeue.SubjectRunComplete, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(waitTimeout)
	for {
		select {
		case got := <-dlq:
			if !hasRequestID(id)(got) {
				continue
			}
			if n := attempts.Load(); n != maxRetries+1 {
				t.Errorf("handler attempts = %d, want %d", n, maxRetries+1)
			}
			return
		case <-deadline:
			t.Fatalf("timed out after %d attempts", attempts.Load())
		}
	}
}

func TestQueue_JetStreamBacksSummaryBucket(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.JetStream().CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: "agentloop-test-summaries",
		TTL:    time.Minute,
	})
	if err != nil {
		t.Fatalf("CreateOrUpdateKeyValue: %v", err)
	}
	key := "compact_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if _, err := kv.Put(ctx, key, []byte("user asked for a changelog summary")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "user asked for a changelog summary" {
		t.Errorf("value = %q", entry.Value())
	}
	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name string
		h    nats.Header
		want int
	}{
		{"nil header", nil, 0},
		{"missing", nats.Header{}, 0},
		{"set", nats.Header{headerRetryCount: []string{"2"}}, 2},
		{"garbage", nats.Header{headerRetryCount: []string{"two"}}, 0},
		{"negative", nats.Header{headerRetryCount: []string{"-1"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryCount(tt.h); got != tt.want {
				t.Errorf("retryCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDurableName(t *testing.T) {
	if got := durableName(messagequeue.SubjectRunStart); got != "agentloop_runs_start" {
		t.Errorf("durableName = %q", got)
	}
	if got := durableName(messagequeue.SubjectRunEvents + ".>"); got != "agentloop_runs_events_all" {
		t.Errorf("durableName wildcard = %q", got)
	}
}

func TestCopyHeaderIsDeep(t *testing.T) {
	src := nats.Header{headerRequestID: []string{"r1"}}
	dst := copyHeader(src)
	dst.Set(headerRequestID, "r2")
	if src.Get(headerRequestID) != "r1" {
		t.Error("copyHeader shares storage with the source")
	}
}
