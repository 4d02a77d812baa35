package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/logging"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "runplane.runs.run-1.events", Subject("run-1"))
	assert.Equal(t, "runplane.runs.a_b_c_.events", Subject("a.b*c>"))
	assert.Equal(t, "runplane.runs._.events", Subject(""))
}

func TestRelayPublish(t *testing.T) {
	pub := &fakePublisher{}
	r := newRelay(pub, logging.NewForTest())

	require.NoError(t, r.Publish(domain.RunEvent{RunID: "r1", Seq: 4, Type: domain.EventTypeToolCompleted}))
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "runplane.runs.r1.events", pub.subjects[0])

	var got domain.RunEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, int64(4), got.Seq)
	assert.Equal(t, domain.EventTypeToolCompleted, got.Type)

	pub.err = errors.New("down")
	assert.Error(t, r.Publish(domain.RunEvent{RunID: "r1"}))
}

func TestNilRelayIsNoop(t *testing.T) {
	var r *Relay
	assert.NoError(t, r.Publish(domain.RunEvent{RunID: "r1"}))
	r.Close()
}
