package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerjob/remoting/internal/runtime/address"
	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
	metadatapkg "github.com/powerjob/remoting/internal/runtime/metadata"
	"github.com/powerjob/remoting/transport/channel"
)

const quiet = 100 * time.Millisecond

func TestDeadLetterKind(t *testing.T) {
	tests := []struct {
		reason error
		want   FaultKind
	}{
		{fmt.Errorf("x: %w", errspkg.ErrUnknownRecipient), FaultUnknownRecipient},
		{fmt.Errorf("x: %w", errspkg.ErrForeignSystem), FaultForeignSystem},
		{fmt.Errorf("x: %w", errspkg.ErrInvalidAddress), FaultInvalidAddress},
		{fmt.Errorf("x: %w", errspkg.ErrStopped), FaultStopped},
		{errors.New("connection refused"), FaultUnreachable},
		{nil, FaultUnreachable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeadLetter{Reason: tt.reason}.Kind(), "%v", tt.reason)
	}
}

func TestNewFaultRecordIsPure(t *testing.T) {
	from := address.New(address.WorkerSystemName, address.Endpoint{Host: "10.0.0.5", Port: 27777}, address.WorkerTaskTrackerName)
	to := address.New(address.ServerSystemName, address.Endpoint{Host: "10.0.0.1", Port: 10086}, "missing")

	msg := message.NewMessage("msg-1", []byte(`{"instance_id":7}`))
	metadatapkg.WithSender(msg, from)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CST", 8*3600))
	dl := DeadLetter{
		Recipient: to,
		Message:   msg,
		Reason:    fmt.Errorf("%w: missing", errspkg.ErrUnknownRecipient),
		At:        at,
		Node:      to.Endpoint,
	}

	first := NewFaultRecord(dl)
	second := NewFaultRecord(dl)
	assert.Equal(t, first, second)

	assert.Empty(t, first.ID, "ids are assigned by the event stream")
	assert.Equal(t, "msg-1", first.MessageID)
	require.NotNil(t, first.Sender)
	assert.Equal(t, from, *first.Sender)
	assert.Equal(t, to.String(), first.Recipient)
	assert.Equal(t, FaultUnknownRecipient, first.Kind)
	assert.Contains(t, first.Reason, "missing")
	assert.Equal(t, `{"instance_id":7}`, first.PayloadSummary)
	assert.Equal(t, "10.0.0.1:10086", first.Node)
	assert.Equal(t, time.UTC, first.Timestamp.Location())
	assert.True(t, first.Timestamp.Equal(at))

	parsed, err := first.RecipientAddress()
	require.NoError(t, err)
	assert.Equal(t, to, parsed)
}

func TestNewFaultRecordWithRawRecipient(t *testing.T) {
	rec := NewFaultRecord(DeadLetter{Raw: "garbage", Reason: errspkg.ErrInvalidAddress})
	assert.Equal(t, "garbage", rec.Recipient)
	assert.Equal(t, FaultInvalidAddress, rec.Kind)
	assert.Nil(t, rec.Sender)
	assert.Empty(t, rec.MessageID)

	_, err := rec.RecipientAddress()
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "", summarize(nil))
	assert.Equal(t, "short", summarize([]byte("short")))
	assert.Equal(t, "<3 bytes binary>", summarize([]byte{0xff, 0xfe, 0x00}))

	long := strings.Repeat("a", payloadSummaryLimit+10)
	got := summarize([]byte(long))
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", payloadSummaryLimit)))
	assert.True(t, strings.HasSuffix(got, fmt.Sprintf("... (%d bytes)", len(long))))

	// A multi-byte rune straddling the limit is not split.
	runes := strings.Repeat("a", payloadSummaryLimit-1) + "é" + "tail"
	got = summarize([]byte(runes))
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", payloadSummaryLimit-1)+"..."), got)
}

func TestLocalUnknownRecipientProducesExactlyOneRecord(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))
	faults := observe(t, sys, address.ServerTroubleshootingName)

	msg := message.NewMessage("msg-1", []byte("payload"))
	msg.Metadata.Set(metadatapkg.CorrelationID, "corr-1")
	sys.Send(sys.Self("missing"), msg)

	rec := faults.wait(t)
	assert.Equal(t, FaultUnknownRecipient, rec.Kind)
	assert.Equal(t, sys.Self("missing").String(), rec.Recipient)
	assert.Equal(t, "msg-1", rec.MessageID)
	assert.Equal(t, "payload", rec.PayloadSummary)
	assert.Equal(t, "127.0.0.1:10086", rec.Node)
	assert.NotEmpty(t, rec.ID)
	faults.assertNoMore(t, quiet)

	snap := sys.Metrics().DeadLetters()
	assert.Equal(t, uint64(1), snap.Total)
	require.Contains(t, snap.ByKind, FaultUnknownRecipient)
	assert.Equal(t, uint64(1), snap.ByKind[FaultUnknownRecipient].Count)
}

func TestFaultEnvelopeCarriesCorrelationID(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))

	envelopes := newRecorder()
	require.NoError(t, Register(sys, HandlerRegistration{Name: "raw_observer", Handler: envelopes.handle}))
	require.NoError(t, sys.Events().Subscribe(sys.Self("raw_observer")))

	msg := textMessage("x")
	msg.Metadata.Set(metadatapkg.CorrelationID, "corr-9")
	sys.Send(sys.Self("missing"), msg)

	env := envelopes.wait(t, 1)[0]
	assert.Equal(t, "corr-9", env.Metadata.Get(metadatapkg.CorrelationID))
	assert.Equal(t, FaultRecordType, env.Metadata.Get(metadatapkg.MessageType))
}

func TestRemoteUnknownRecipientIsRecordedByReceiver(t *testing.T) {
	network := newTestNetwork(t)
	server := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(network))
	worker := startTestSystem(t, testConfig(t, "worker", 27777, nil), testDependencies(network))
	serverFaults := observe(t, server, address.ServerTroubleshootingName)
	workerFaults := observe(t, worker, address.WorkerTroubleshootingName)

	from := server.Self(address.PeerLiaisonName)
	to := address.New(address.WorkerSystemName, worker.Endpoint(), "no_such_tracker")
	server.Tell(to, textMessage("report"), from)

	rec := workerFaults.wait(t)
	assert.Equal(t, FaultUnknownRecipient, rec.Kind)
	assert.Equal(t, to.String(), rec.Recipient)
	assert.Equal(t, worker.Address(), rec.Node)
	require.NotNil(t, rec.Sender)
	assert.Equal(t, from, *rec.Sender)

	workerFaults.assertNoMore(t, quiet)
	serverFaults.assertNoMore(t, quiet)
}

func TestUnreachablePeerIsRecordedBySender(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))
	faults := observe(t, sys, address.ServerTroubleshootingName)

	peer, err := sys.PeerLiaison("127.0.0.1:10999")
	require.NoError(t, err)
	sys.Send(peer, textMessage("hello?"))

	rec := faults.wait(t)
	assert.Equal(t, FaultUnreachable, rec.Kind)
	assert.Equal(t, peer.String(), rec.Recipient)
	assert.Contains(t, rec.Reason, channel.ErrInboxUnreachable.Error())
	faults.assertNoMore(t, quiet)
}

func TestForeignSystemOnLocalEndpoint(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))
	faults := observe(t, sys, address.ServerTroubleshootingName)

	sys.Send(address.New(address.WorkerSystemName, sys.Endpoint(), "worker"), textMessage("x"))

	rec := faults.wait(t)
	assert.Equal(t, FaultForeignSystem, rec.Kind)
	faults.assertNoMore(t, quiet)
}

func TestInboundEnvelopesThatCannotBeRouted(t *testing.T) {
	network := newTestNetwork(t)
	worker := startTestSystem(t, testConfig(t, "worker", 27777, nil), testDependencies(network))
	faults := observe(t, worker, address.WorkerTroubleshootingName)

	cfg := testConfig(t, "server", 10086, nil)
	raw, err := network.Build(context.Background(), &cfg, nil)
	require.NoError(t, err)
	topic := raw.PublishTopic(worker.inbox)

	garbled := message.NewMessage("m-1", []byte("x"))
	garbled.Metadata.Set(metadatapkg.Recipient, "garbage")
	require.NoError(t, raw.Publisher.Publish(topic, garbled))

	rec := faults.wait(t)
	assert.Equal(t, FaultInvalidAddress, rec.Kind)
	assert.Equal(t, "garbage", rec.Recipient)

	foreign := message.NewMessage("m-2", []byte("y"))
	metadatapkg.SetRecipient(foreign, address.New("oms-server", worker.Endpoint(), "task_tracker"))
	require.NoError(t, raw.Publisher.Publish(topic, foreign))

	rec = faults.wait(t)
	assert.Equal(t, FaultForeignSystem, rec.Kind)
	assert.Equal(t, "m-2", rec.MessageID)
	faults.assertNoMore(t, quiet)
}

func TestEventStreamSubscriptions(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))
	events := sys.Events()

	foreign := address.New(address.ServerSystemName, address.Endpoint{Host: "10.0.0.2", Port: 10086}, "observer")
	assert.ErrorIs(t, events.Subscribe(foreign), errspkg.ErrForeignSystem)

	self := sys.Self("observer")
	require.NoError(t, events.Subscribe(self))
	require.NoError(t, events.Subscribe(self))
	assert.Equal(t, []address.Address{self}, events.Subscribers())

	faults := newFaultCollector()
	require.NoError(t, Register(sys, HandlerRegistration{Name: "observer", Handler: FaultObserver(faults, nil)}))
	sys.Send(sys.Self("missing"), textMessage("one"))
	faults.wait(t)

	events.Unsubscribe(self)
	events.Unsubscribe(self)
	assert.Empty(t, events.Subscribers())

	sys.Send(sys.Self("missing"), textMessage("two"))
	faults.assertNoMore(t, quiet)
	assert.Equal(t, uint64(2), sys.Metrics().DeadLetters().Total, "unsubscribed dead letters are still counted")
}

func TestSubscriberThatIsNotRegisteredDoesNotLoop(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))
	require.NoError(t, sys.Events().Subscribe(sys.Self("ghost")))

	sys.Send(sys.Self("missing"), textMessage("x"))

	time.Sleep(quiet)
	assert.Equal(t, uint64(1), sys.Metrics().DeadLetters().Total)
}
