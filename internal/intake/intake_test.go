package intake

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-telemetry/internal/models"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	readings []models.Reading
	capacity int
}

func (s *recordingSubmitter) Submit(r models.Reading) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && len(s.readings) >= s.capacity {
		return false
	}
	s.readings = append(s.readings, r)
	return true
}

func (s *recordingSubmitter) all() []models.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Reading(nil), s.readings...)
}

func TestDecode(t *testing.T) {
	rs, err := Decode([]byte(`{"device_id":"d1","sensor_type":"co2","value":410,"timestamp":1700000000.5}`))
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "co2", rs[0].Metric)
	assert.Equal(t, int64(1700000000), rs[0].Timestamp.Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(rs[0].Timestamp.Nanosecond()))

	rs, err = Decode([]byte(` [{"device_id":"d1","metric":"light","value":1},{"device_id":"d2","metric":"light","value":2,"timestamp":"2024-01-01T00:00:00Z"}]`))
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, 2024, rs[1].Timestamp.Year())

	for _, bad := range []string{"", "not json", `{"device_id":"d1","metric":"light"}`, `[{"value":"x"}]`} {
		_, err := Decode([]byte(bad))
		assert.ErrorIs(t, err, ErrInvalidPayload, bad)
	}
}

func TestDeliver_CountsAccepted(t *testing.T) {
	sub := &recordingSubmitter{capacity: 1}

	n, err := deliver("test", []byte(`[{"device_id":"d","metric":"m","value":1},{"device_id":"d","metric":"m","value":2}]`), sub)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sub.all(), 1)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTTSubscriber_OnMessage(t *testing.T) {
	sub := &recordingSubmitter{}
	s := NewMQTTSubscriber("tcp://127.0.0.1:1", "test", "sensors/readings", sub)

	s.onMessage(nil, fakeMessage{topic: "sensors/readings", payload: []byte(`{"device_id":"d1","metric":"motion","value":1}`)})
	s.onMessage(nil, fakeMessage{topic: "sensors/readings", payload: []byte(`garbage`)})

	got := sub.all()
	require.Len(t, got, 1)
	assert.Equal(t, "motion", got[0].Metric)
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	fetchErrs []error
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	return kafka.Message{}, io.EOF
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestKafkaConsumer_RunCommitsEveryMessage(t *testing.T) {
	reader := &fakeReader{
		fetchErrs: []error{errors.New("broker not available")},
		messages: []kafka.Message{
			{Offset: 1, Value: []byte(`{"device_id":"d1","metric":"pressure","value":1013}`)},
			{Offset: 2, Value: []byte(`{broken`)},
			{Offset: 3, Value: []byte(`[{"device_id":"d2","metric":"pressure","value":990}]`)},
		},
	}
	sub := &recordingSubmitter{}
	c := NewKafkaConsumerFromReader(reader, sub)
	c.backoff = time.Millisecond

	require.NoError(t, c.Run(context.Background()))

	assert.Len(t, sub.all(), 2)
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

func TestKafkaConsumer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := &fakeReader{fetchErrs: []error{context.Canceled}}
	c := NewKafkaConsumerFromReader(reader, &recordingSubmitter{})
	assert.NoError(t, c.Run(ctx))
}
