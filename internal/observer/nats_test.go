package observer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

const testSubject = "refinery.interactions"

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // Random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
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

func connectTestNATS(t *testing.T, server *natsserver.Server) *nats.Conn {
	nc, err := ConnectNATS(config.NATSConfig{
		URL:           server.ClientURL(),
		MaxReconnects: 1,
		ReconnectWait: config.Duration(100 * time.Millisecond),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSSink_PublishesByStatus(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connectTestNATS(t, server)

	sub, err := nc.SubscribeSync(testSubject + ".failed")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	sink, err := NewNATSSink(nc, testSubject)
	require.NoError(t, err)
	assert.Equal(t, "nats", sink.Name())

	rec := exhaustedRecord("run-1", 2, "syntax_error")
	require.NoError(t, sink.Publish(context.Background(), rec))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, testSubject+".failed", msg.Subject)

	var got orchestrator.InteractionRecord
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, orchestrator.StatusFailed, got.Status)
	assert.Equal(t, "convergence_limit_exceeded", got.Reason)
	assert.Len(t, got.Feedback, 2)
}

func TestNATSSourceAggregatesRemoteRecords(t *testing.T) {
	server := startTestNATSServer(t)
	workerConn := connectTestNATS(t, server)
	governorConn := connectTestNATS(t, server)

	governor := newTestObserver()
	source, err := NewNATSSource(governorConn, testSubject, governor, nil)
	require.NoError(t, err)
	require.NoError(t, source.Start(context.Background()))
	defer source.Stop()
	assert.Error(t, source.Start(context.Background()))

	sink, err := NewNATSSink(workerConn, testSubject)
	require.NoError(t, err)
	worker := newTestObserver(WithSinks(sink))

	orch, err := orchestrator.New(echoGenerator{}, approveAll{}, orchestrator.DefaultConfig(), orchestrator.WithObserver(worker))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		orch.HandleRequest(context.Background(), orchestrator.Request{Payload: "doc"})
	}
	require.NoError(t, workerConn.Publish(testSubject+".failed", []byte("not json")))
	require.NoError(t, workerConn.Flush())

	require.Eventually(t, func() bool {
		return governor.Len() == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, worker.Len())
	for _, rec := range governor.Records() {
		assert.Equal(t, orchestrator.StatusConverged, rec.Status)
		assert.Equal(t, "doc", rec.Solutions[0].Content)
	}
}

func TestNATSConstructors_Validate(t *testing.T) {
	_, err := NewNATSSink(nil, testSubject)
	assert.Error(t, err)

	server := startTestNATSServer(t)
	nc := connectTestNATS(t, server)

	_, err = NewNATSSink(nc, "")
	assert.Error(t, err)
	_, err = NewNATSSink(nc, "refinery.>")
	assert.Error(t, err)
	_, err = NewNATSSource(nc, testSubject, nil, nil)
	assert.Error(t, err)

	_, err = ConnectNATS(config.NATSConfig{}, nil)
	assert.Error(t, err)
}
