package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) WriteEvent(context.Context, *Event) error {
	return errors.New("sink down")
}

func TestMultiWriterDeliversToAll(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	w := MultiWriter(a, failingWriter{}, b)

	err := w.WriteEvent(context.Background(), NewStarted("s1"))
	assert.Error(t, err)
	assert.Equal(t, []Type{Started}, a.Types())
	assert.Equal(t, []Type{Started}, b.Types())
}

func TestEventJSON(t *testing.T) {
	ev := NewResourceMapping("s1", "i-123", "10.0.0.1")
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	out := &Event{}
	require.NoError(t, json.Unmarshal(b, out))
	assert.Equal(t, ResourceMapping, out.Type)
	assert.Equal(t, "i-123", out.ResourceID)
	assert.Contains(t, string(b), `"type":"RESOURCE_MAPPING"`)
}

func TestNewFailed(t *testing.T) {
	ev := NewFailed("s1", errors.New("boom"))
	assert.Equal(t, "boom", ev.Cause)
	assert.Equal(t, "", NewFailed("s1", nil).Cause)
}

func TestLoggerWriter(t *testing.T) {
	log := logger.NewLogger("test", logger.DefaultConfig())
	log.Discard()
	w := NewLogger(log)
	for _, ev := range []*Event{
		NewStarted("s1"),
		NewInfo("s1", "hello"),
		NewApplicationInfo("s1", "42.pbs", "gk:2119"),
		NewFailed("s1", errors.New("x")),
	} {
		assert.NoError(t, w.WriteEvent(context.Background(), ev))
	}
}

func TestKafkaWriter(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		ev := &Event{}
		if err := json.Unmarshal(val, ev); err != nil {
			return err
		}
		if ev.Type != Finished || ev.SessionID != "s1" {
			return errors.New("unexpected event")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	w := NewKafkaWriterWithProducer(config.Kafka{Topic: "gfac-events"}, producer)
	assert.NoError(t, w.WriteEvent(context.Background(), NewFinished("s1")))
	assert.Error(t, w.WriteEvent(context.Background(), NewFinished("s1")))
	assert.NoError(t, w.Close())
}

func TestFromConfig(t *testing.T) {
	w, closeFn, err := FromConfig(config.Events{Active: []string{"log"}}, nil)
	require.NoError(t, err)
	assert.NoError(t, w.WriteEvent(context.Background(), NewStarted("s1")))
	assert.NoError(t, closeFn())

	w, _, err = FromConfig(config.Events{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Discard, w)

	_, _, err = FromConfig(config.Events{Active: []string{"carrier-pigeon"}}, nil)
	assert.Error(t, err)
}
