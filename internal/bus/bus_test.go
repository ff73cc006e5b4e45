package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestFanout_DeliversToAll(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{}

	ev := Event{Type: EventAutoShutdown, AppointmentID: 7, DeviceUsageID: 3}
	require.NoError(t, Fanout{a, b}.Publish(context.Background(), ev))

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, EventAutoShutdown, a.events[0].Type)
}

func TestFanout_ContinuesPastFailure(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("broker down")}
	ok := &recordingPublisher{}

	err := Fanout{failing, ok}.Publish(context.Background(), Event{Type: EventUsageStatusChange})
	require.Error(t, err)
	// The healthy publisher still received the event.
	assert.Len(t, ok.events, 1)
}

func TestEventPayload(t *testing.T) {
	ev := Event{
		Type:          EventUsageStatusChange,
		AppointmentID: 42,
		DeviceUsageID: 9,
		DeviceID:      "shellyplus1pm-a8032ab12345",
		OccurredAt:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Fields:        map[string]any{"usageStatus": "over_consuming"},
	}

	body, err := ev.Payload()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "usage_status_change", decoded["type"])
	assert.EqualValues(t, 42, decoded["appointmentId"])
	assert.EqualValues(t, 9, decoded["deviceUsageId"])
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
