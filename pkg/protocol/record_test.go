package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func allKinds() []Step {
	return []Step{
		None{},
		NewWait(2 * time.Second),
		MustHoldWeight(100.5, 5.25, 1500*time.Millisecond),
		MustOscillate(50, 100, 7),
	}
}

func TestJSON_RoundTrip(t *testing.T) {
	data, err := EncodeJSON(allKinds())
	require.NoError(t, err)

	got, err := DecodeJSON(data)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, None{}, got[0])
	assert.Equal(t, 2*time.Second, got[1].(*Wait).Duration)

	h := got[2].(*HoldWeight)
	assert.Equal(t, float32(100.5), h.Target)
	assert.Equal(t, float32(5.25), h.Tolerance)
	assert.Equal(t, 1500*time.Millisecond, h.Hold)

	o := got[3].(*Oscillate)
	assert.Equal(t, float32(50), o.Lower)
	assert.Equal(t, float32(100), o.Upper)
	assert.Equal(t, uint8(7), o.Cycles)
}

func TestJSON_Shape(t *testing.T) {
	data, err := EncodeJSON([]Step{MustOscillate(1, 2, 3)})
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"n_steps":1,"steps":[{"type":3,"step":{"weight_lo":1,"weight_up":2,"n_cycles":3}}]}`,
		string(data))
}

func TestYAML_RoundTrip(t *testing.T) {
	data, err := yaml.Marshal(ToRecord(allKinds()))
	require.NoError(t, err)

	var rec Record
	require.NoError(t, yaml.Unmarshal(data, &rec))

	got, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, ToRecord(allKinds()), ToRecord(got))
}

func TestProtocol_RecordRoundTrip(t *testing.T) {
	p, err := New(allKinds()...)
	require.NoError(t, err)

	var q Protocol
	require.NoError(t, q.LoadRecord(p.Record()))
	assert.Equal(t, p.Record(), q.Record())
}

func TestDecodeJSON_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{`},
		{name: "count mismatch", data: `{"n_steps":2,"steps":[{"type":0}]}`},
		{name: "unknown type", data: `{"n_steps":1,"steps":[{"type":9,"step":{}}]}`},
		{name: "wait without duration", data: `{"n_steps":1,"steps":[{"type":1,"step":{}}]}`},
		{name: "hold without body", data: `{"n_steps":1,"steps":[{"type":2}]}`},
		{name: "hold missing tolerance", data: `{"n_steps":1,"steps":[{"type":2,"step":{"weight":1,"wait_ms":1}}]}`},
		{name: "negative target", data: `{"n_steps":1,"steps":[{"type":2,"step":{"weight":-1,"weight_tol":1,"wait_ms":1}}]}`},
		{name: "inverted range", data: `{"n_steps":1,"steps":[{"type":3,"step":{"weight_lo":10,"weight_up":5,"n_cycles":1}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, err := DecodeJSON([]byte(tt.data))
			assert.Error(t, err)
			assert.Nil(t, steps)
		})
	}
}

func TestFromRecord_OverCapacity(t *testing.T) {
	rec := Record{NSteps: MaxSteps + 1, Steps: make([]StepRecord, MaxSteps+1)}
	_, err := FromRecord(rec)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestLoadRecord_InvalidLeavesProtocol(t *testing.T) {
	p, err := New(NewWait(time.Second))
	require.NoError(t, err)

	err = p.LoadRecord(Record{NSteps: 1, Steps: []StepRecord{{Type: KindOscillate, Step: &StepBody{}}}})
	assert.Error(t, err)
	assert.Equal(t, KindWait, p.Steps()[0].Kind())
}
