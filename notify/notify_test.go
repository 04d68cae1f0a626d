package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/notify"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafka_NotifyPublishesKeyedJSON(t *testing.T) {
	w := &recordingWriter{}
	k := notify.NewKafka(w)

	n := leave.Notification{Event: leave.EventEscalated, RequestID: "req-1", RecipientRole: "hr", Level: 1}
	require.NoError(t, k.Notify(context.Background(), n))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, notify.RequestEventsTopic, msg.Topic)
	assert.Equal(t, "req-1", string(msg.Key))
	assert.Equal(t, "Escalated", header(msg, "event_type"))
	assert.Equal(t, "hr", header(msg, "recipient_role"))

	var decoded leave.Notification
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, n, decoded)
}

func TestKafka_WelcomeGoesToLifecycleTopic(t *testing.T) {
	w := &recordingWriter{}
	k := notify.NewKafka(w)

	payload := map[string]string{"employee_id": "emp-1", "employee_name": "Alice", "company_name": "Acme"}
	require.NoError(t, k.SendWelcome(context.Background(), payload))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, notify.EmployeeLifecycleTopic, w.msgs[0].Topic)
	assert.Equal(t, "emp-1", string(w.msgs[0].Key))
	assert.Equal(t, notify.EventEmployeeWelcome, header(w.msgs[0], "event_type"))
	assert.JSONEq(t, `{"employee_id":"emp-1","employee_name":"Alice","company_name":"Acme"}`, string(w.msgs[0].Value))
}

func TestKafka_WriteFailureIsWrapped(t *testing.T) {
	broker := errors.New("leader not available")
	k := notify.NewKafka(&recordingWriter{err: broker})

	err := k.Notify(context.Background(), leave.Notification{Event: leave.EventApproved, RequestID: "req-9"})
	assert.ErrorIs(t, err, broker)
	assert.Contains(t, err.Error(), "req-9")
}

func TestFanout_DeliversToEverySinkAndJoinsErrors(t *testing.T) {
	ok := &recordingWriter{}
	failing := &recordingWriter{err: errors.New("down")}
	var buf bytes.Buffer
	logSink := notify.NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))

	f := &notify.Fanout{
		Notifiers: []leave.Notifier{notify.NewKafka(ok), notify.NewKafka(failing), logSink},
		Welcomes:  []leave.WelcomeSender{logSink},
	}

	err := f.Notify(context.Background(), leave.Notification{Event: leave.EventApproved, RequestID: "req-1", RecipientRole: "employee"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, ok.msgs, 1, "a failing sink does not block the others")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "leave notification", record["msg"])
	assert.Equal(t, "Approved", record["event"])
	assert.Equal(t, "notify", record["component"])

	assert.NoError(t, f.SendWelcome(context.Background(), map[string]string{"employee_id": "emp-1"}))
}
