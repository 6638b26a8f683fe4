package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundFrame(t *testing.T) {
	data, err := inboundFrame("add_element", []any{map[string]any{"type": "ignored", "slideId": float64(3)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"add_element","slideId":3}`, string(data))

	data, err = inboundFrame(envelopeEvent, []any{map[string]any{"type": "change_slide", "index": float64(1)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"change_slide","index":1}`, string(data))

	data, err = inboundFrame("change_slide", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"change_slide"}`, string(data))

	_, err = inboundFrame("change_slide", []any{"not an object"})
	assert.Error(t, err)
}

func TestOutboundEvent(t *testing.T) {
	event, payload, err := outboundEvent([]byte(`{"type":"slide_changed","index":2,"userId":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "slide_changed", event)
	assert.Equal(t, float64(2), payload["index"])

	_, _, err = outboundEvent([]byte(`{"index":2}`))
	assert.Error(t, err)

	_, _, err = outboundEvent([]byte(`nope`))
	assert.Error(t, err)
}

func TestExtractAck(t *testing.T) {
	var got []any
	ack, args := extractAck([]any{map[string]any{"a": 1}, func(resp ...any) { got = resp }})
	require.NotNil(t, ack)
	assert.Len(t, args, 1)

	ack(map[string]any{"status": "ok"})
	require.Len(t, got, 1)
	raw, err := json.Marshal(got[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	var single map[string]any
	ack, _ = extractAck([]any{func(resp map[string]any) { single = resp }})
	require.NotNil(t, ack)
	ack(map[string]any{"status": "ok"})
	assert.Equal(t, "ok", single["status"])

	ack, args = extractAck([]any{"payload"})
	assert.Nil(t, ack)
	assert.Len(t, args, 1)
}
