package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/transport"
	"laundry-sync-backend/internal/worker"
)

func TestDecodeStatus(t *testing.T) {
	testCases := []struct {
		name      string
		payload   string
		expectErr bool
		check     func(t *testing.T, msg StatusMessage)
	}{
		{
			name:    "Full record",
			payload: `{"machineId":"M1","state":"FILLING","progress":10,"waterLevel":40,"mode":"NORMAL","orderCode":"abc123","doorOpen":false,"errorCode":null}`,
			check: func(t *testing.T, msg StatusMessage) {
				assert.Equal(t, "M1", msg.MachineID)
				assert.Equal(t, "FILLING", msg.State)
				assert.Equal(t, 10, msg.Progress)
				assert.Equal(t, 40, msg.WaterLevel)
				require.NotNil(t, msg.OrderCode)
				assert.Equal(t, "ABC123", *msg.OrderCode)
				assert.Nil(t, msg.ErrorCode)
			},
		},
		{
			name:    "Empty order code is no order",
			payload: `{"machineId":"M1","state":"READY","progress":0,"orderCode":"","errorCode":""}`,
			check: func(t *testing.T, msg StatusMessage) {
				assert.Nil(t, msg.OrderCode)
				assert.Nil(t, msg.ErrorCode)
			},
		},
		{name: "Not JSON", payload: `hello`, expectErr: true},
		{name: "JSON null", payload: `null`, expectErr: true},
		{name: "Missing machine id", payload: `{"state":"READY"}`, expectErr: true},
		{name: "Missing state", payload: `{"machineId":"M1"}`, expectErr: true},
		{name: "Progress out of range", payload: `{"machineId":"M1","state":"WASHING","progress":150}`, expectErr: true},
		{name: "Wrong field type", payload: `{"machineId":"M1","state":"WASHING","progress":"ten"}`, expectErr: true},
		{name: "Bad order code", payload: `{"machineId":"M1","state":"WASHING","orderCode":"AB-1"}`, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeStatus([]byte(tc.payload))
			if tc.expectErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			tc.check(t, msg)
		})
	}
}

func TestDecodeErrorAndEvent(t *testing.T) {
	report, err := DecodeError([]byte(`{"machineId":"M1","errorType":"DOOR_OPEN","errorMessage":"door ajar"}`))
	require.NoError(t, err)
	assert.Equal(t, "DOOR_OPEN", report.ErrorType)
	assert.Nil(t, report.OrderCode)

	_, err = DecodeError([]byte(`{"machineId":"M1"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	event, err := DecodeEvent([]byte(`{"machineId":"M1","event":"done","orderCode":"ABC123","mode":""}`))
	require.NoError(t, err)
	assert.Equal(t, EventDone, event.Event)
	assert.Equal(t, "ABC123", *event.OrderCode)
	assert.Nil(t, event.Mode)

	_, err = DecodeEvent([]byte(`{"machineId":"M1"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

type recordingHandler struct {
	statuses []StatusMessage
	errors   []ErrorReport
	events   []LifecycleEvent
	err      error
}

func (h *recordingHandler) HandleStatus(_ context.Context, msg StatusMessage) error {
	h.statuses = append(h.statuses, msg)
	return h.err
}

func (h *recordingHandler) HandleError(_ context.Context, msg ErrorReport) error {
	h.errors = append(h.errors, msg)
	return h.err
}

func (h *recordingHandler) HandleEvent(_ context.Context, msg LifecycleEvent) error {
	h.events = append(h.events, msg)
	return h.err
}

// inlineSubmitter runs tasks on the calling goroutine.
type inlineSubmitter struct {
	keys []string
}

func (s *inlineSubmitter) Submit(ctx context.Context, key string, task worker.Task) error {
	s.keys = append(s.keys, key)
	task(ctx)
	return nil
}

func newTestRouter(handler Handler, pool Submitter) (*Router, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := config.MQTTConfig{TopicPrefix: "laundry"}
	return NewRouter(cfg, handler, pool, zap.New(core)), logs
}

func TestRouter_Classify(t *testing.T) {
	r, _ := newTestRouter(&recordingHandler{}, &inlineSubmitter{})

	testCases := []struct {
		topic    string
		expected Kind
	}{
		{"laundry/MACHINE_01/status", KindStatus},
		{"laundry/errors", KindError},
		{"laundry/events", KindEvent},
		{"laundry/MACHINE_01/command", KindUnknown},
		{"other/errors", KindUnknown},
		{"laundry/events/extra", KindUnknown},
	}
	for _, tc := range testCases {
		t.Run(tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.expected, r.Classify(tc.topic))
		})
	}
}

func TestRouter_Route(t *testing.T) {
	ctx := context.Background()
	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	handler := &recordingHandler{}
	pool := &inlineSubmitter{}
	r, _ := newTestRouter(handler, pool)

	r.Route(ctx, transport.Message{Topic: "laundry/M1/status", Payload: []byte(`{"machineId":"M1","state":"FILLING","progress":10}`), ReceivedAt: received})
	r.Route(ctx, transport.Message{Topic: "laundry/errors", Payload: []byte(`{"machineId":"M2","errorType":"DOOR_OPEN"}`)})
	r.Route(ctx, transport.Message{Topic: "laundry/events", Payload: []byte(`{"machineId":"M3","event":"ONLINE"}`)})
	r.Route(ctx, transport.Message{Topic: "laundry/M1/command", Payload: []byte(`{"command":"START"}`)})

	require.Len(t, handler.statuses, 1)
	assert.Equal(t, received, handler.statuses[0].ReceivedAt)
	require.Len(t, handler.errors, 1)
	require.Len(t, handler.events, 1)
	assert.Equal(t, []string{"M1", "M2", "M3"}, pool.keys)
}

func TestRouter_DropsMalformedPayload(t *testing.T) {
	for _, topic := range []string{"laundry/M1/status", "laundry/errors", "laundry/events"} {
		t.Run(topic, func(t *testing.T) {
			handler := &recordingHandler{}
			pool := &inlineSubmitter{}
			r, logs := newTestRouter(handler, pool)

			assert.NotPanics(t, func() {
				r.Route(context.Background(), transport.Message{Topic: topic, Payload: []byte(`{not json`)})
			})

			assert.Empty(t, handler.statuses)
			assert.Empty(t, handler.errors)
			assert.Empty(t, handler.events)
			assert.Empty(t, pool.keys)
			assert.Equal(t, 1, logs.FilterMessage("dropping malformed message").Len())
		})
	}
}

func TestRouter_HandlerErrorIsConsumed(t *testing.T) {
	handler := &recordingHandler{err: errors.New("database down")}
	r, logs := newTestRouter(handler, &inlineSubmitter{})

	r.Route(context.Background(), transport.Message{Topic: "laundry/events", Payload: []byte(`{"machineId":"M1","event":"ONLINE"}`)})

	assert.Len(t, handler.events, 1)
	assert.Equal(t, 1, logs.FilterMessage("failed to apply telemetry").Len())
}

func TestRouter_Run(t *testing.T) {
	handler := &recordingHandler{}
	r, _ := newTestRouter(handler, &inlineSubmitter{})

	messages := make(chan transport.Message, 2)
	messages <- transport.Message{Topic: "laundry/events", Payload: []byte(`{"machineId":"M1","event":"ONLINE"}`)}
	messages <- transport.Message{Topic: "laundry/events", Payload: []byte(`{"machineId":"M1","event":"BOOTING"}`)}
	close(messages)

	require.NoError(t, r.Run(context.Background(), messages))
	assert.Len(t, handler.events, 2)
}
