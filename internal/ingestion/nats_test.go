package ingestion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/manualrag/internal/documents"
	"github.com/fyrsmithlabs/manualrag/internal/logging"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connectNATS(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATS_JobsReachWorkerPool(t *testing.T) {
	server := startTestNATSServer(t)
	ctx := context.Background()

	runner := &fakeRunner{}
	pool := NewLocalDispatcher(runner, 2, 10, nil)
	pool.Start(ctx)
	defer pool.Close(ctx)

	worker, err := NewNATSWorker(connectNATS(t, server), "", "", pool, nil)
	require.NoError(t, err)
	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	dispatcher, err := NewNATSDispatcher(connectNATS(t, server), "", nil)
	require.NoError(t, err)

	for _, id := range []string{"pump-manual", "valve-manual"} {
		job := testJob(id)
		job.RequestID = "req-" + id
		require.NoError(t, dispatcher.Dispatch(ctx, job))
	}

	require.Eventually(t, func() bool { return runner.done() == 2 }, 5*time.Second, 10*time.Millisecond)
	runner.mu.Lock()
	defer runner.mu.Unlock()
	ids := []string{runner.jobs[0].DocumentID, runner.jobs[1].DocumentID}
	assert.ElementsMatch(t, []string{"pump-manual", "valve-manual"}, ids)
	for _, j := range runner.jobs {
		assert.Equal(t, "req-"+j.DocumentID, j.RequestID)
		assert.Equal(t, acme, j.TenantID)
	}
}

func TestNATS_QueueGroupDeliversOnce(t *testing.T) {
	server := startTestNATSServer(t)
	ctx := context.Background()

	var runners []*fakeRunner
	for i := 0; i < 3; i++ {
		runner := &fakeRunner{}
		runners = append(runners, runner)
		pool := NewLocalDispatcher(runner, 1, 10, nil)
		pool.Start(ctx)
		defer pool.Close(ctx)
		worker, err := NewNATSWorker(connectNATS(t, server), DefaultJobSubject, DefaultQueueGroup, pool, nil)
		require.NoError(t, err)
		require.NoError(t, worker.Start(ctx))
		defer worker.Stop()
	}

	dispatcher, err := NewNATSDispatcher(connectNATS(t, server), DefaultJobSubject, nil)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, dispatcher.Dispatch(ctx, testJob(id)))
	}

	total := func() int {
		n := 0
		for _, r := range runners {
			n += r.done()
		}
		return n
	}
	require.Eventually(t, func() bool { return total() == 6 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, total())
}

func TestNATSWorker_DiscardsMalformedJobs(t *testing.T) {
	server := startTestNATSServer(t)
	ctx := context.Background()
	logger := logging.NewTestLogger()

	runner := &fakeRunner{}
	pool := NewLocalDispatcher(runner, 1, 10, nil)
	pool.Start(ctx)
	defer pool.Close(ctx)

	worker, err := NewNATSWorker(connectNATS(t, server), "", "", pool, logger.Logger)
	require.NoError(t, err)
	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	nc := connectNATS(t, server)
	require.NoError(t, nc.Publish(DefaultJobSubject, []byte("{not json")))
	invalid, err := json.Marshal(Job{TenantID: acme, StoragePath: "acme/x.txt"})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(DefaultJobSubject, invalid))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		return logger.FilterMessage("discarding malformed job").Len() == 1 &&
			logger.FilterMessage("job rejected by worker pool").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	logger.AssertLogged(t, zapcore.ErrorLevel, "discarding malformed job")
	assert.Zero(t, runner.done())
}

func TestNATSDispatcher_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	server := startTestNATSServer(t)
	sub := connectNATS(t, server)
	jobs, err := sub.SubscribeSync(DefaultJobSubject)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	dispatcher, err := NewNATSDispatcher(connectNATS(t, server), "", nil)
	require.NoError(t, err)
	require.NoError(t, dispatcher.Dispatch(ctx, testJob("pump-manual")))

	msg, err := jobs.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		propagation.HeaderCarrier(msg.Header).Get("traceparent"))

	extracted := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(msg.Header))
	assert.Equal(t, traceID, trace.SpanContextFromContext(extracted).TraceID())
}

func TestNATSDispatcher_Validation(t *testing.T) {
	server := startTestNATSServer(t)
	dispatcher, err := NewNATSDispatcher(connectNATS(t, server), "", nil)
	require.NoError(t, err)

	require.ErrorIs(t, dispatcher.Dispatch(context.Background(), Job{TenantID: acme}), ErrInvalidRequest)

	_, err = NewNATSDispatcher(nil, "", nil)
	assert.Error(t, err)
	_, err = NewNATSWorker(connectNATS(t, server), "", "", nil, nil)
	assert.Error(t, err)
}

func TestNATSNotifier(t *testing.T) {
	server := startTestNATSServer(t)
	sub := connectNATS(t, server)
	events, err := sub.SubscribeSync(DefaultEventSubject + ".acme.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	notifier := NewNATSNotifier(connectNATS(t, server), "")
	e := Event{
		TenantID:   acme,
		DocumentID: "pump.v2",
		RunID:      "run-1",
		Generation: 3,
		Status:     documents.StatusCompleted,
		ChunkCount: 20,
		Time:       time.Now().UTC(),
	}
	assert.Equal(t, "manualrag.ingest.events.acme.pump_v2", notifier.EventSubject(e))
	require.NoError(t, notifier.Notify(context.Background(), e))

	msg, err := events.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "manualrag.ingest.events.acme.pump_v2", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "pump.v2", got.DocumentID)
	assert.Equal(t, documents.StatusCompleted, got.Status)
	assert.Equal(t, 20, got.ChunkCount)
}
