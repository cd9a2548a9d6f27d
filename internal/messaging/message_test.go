package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoriesFillEnvelope(t *testing.T) {
	a := NewTaskMessage("coordinator", "detector", "t1", "detect_bugs", nil)
	b := NewTaskMessage("coordinator", "detector", "t1", "detect_bugs", nil)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "ids are per message, not per task")
	assert.Equal(t, KindTask, a.Kind)
	assert.False(t, a.Timestamp.IsZero())
	assert.NotNil(t, a.Payload)

	ev := NewEventMessage("coordinator", "", EventTaskCompleted, nil, true)
	assert.Equal(t, KindEvent, ev.Header().Kind)
	assert.True(t, ev.Broadcast)

	st := NewStatusMessage("detector", "idle", nil)
	assert.Empty(t, st.TargetAgent)
}

func TestDecodeRestoresVariant(t *testing.T) {
	in := NewResultMessage("detector", "coordinator", "t9", map[string]any{"issues": []any{}}, ResultFailed, "boom")
	in.RetryCount = 2

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	res, ok := out.(*ResultMessage)
	require.True(t, ok, "decoded %T", out)
	assert.Equal(t, in.ID, res.ID)
	assert.Equal(t, "t9", res.TaskID)
	assert.Equal(t, ResultFailed, res.Status)
	assert.Equal(t, "boom", res.Error)
	assert.Equal(t, 2, res.RetryCount)
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"telepathy"}`))
	require.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}
