package rig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goplant/pkg/calib"
	"github.com/itohio/goplant/pkg/config"
	"github.com/itohio/goplant/pkg/watering"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMock(t *testing.T) (*Mock, *fakeClock) {
	t.Helper()

	cfg := &config.MockConfig{
		InitialWeight: 100,
		Evaporation:   0.5,
		FlowRate:      10,
		RawOffset:     1000,
		CountsPerGram: 400,
		NoiseLevel:    0,
	}
	scales := []config.ScaleConfig{
		{ID: 0, Stepper: 0, Servo: 30},
		{ID: 1, Stepper: 500, Servo: 40},
	}

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMock(cfg, scales)
	m.now = clk.now
	require.NoError(t, m.Connect())
	return m, clk
}

func TestMock_Evaporation(t *testing.T) {
	m, clk := newTestMock(t)

	clk.advance(10 * time.Second)
	w, ok := m.Weight(0)
	require.True(t, ok)
	assert.InDelta(t, 95, w, 1e-3)

	clk.advance(time.Hour)
	w, _ = m.Weight(1)
	assert.Equal(t, float32(0), w)

	_, ok = m.Weight(7)
	assert.False(t, ok)
}

func TestMock_ReadRaw(t *testing.T) {
	m, _ := newTestMock(t)

	raw, err := m.Channel(1).ReadRaw(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1000+100*400), raw)

	_, err = m.Channel(9).ReadRaw(time.Second)
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestMock_ReadRawTimeout(t *testing.T) {
	m, _ := newTestMock(t)
	m.cfg.SampleDelay = 50 * time.Millisecond

	_, err := m.Channel(0).ReadRaw(time.Millisecond)
	assert.ErrorIs(t, err, calib.ErrTimeout)
}

func TestMock_WateringOnlyUnderNozzle(t *testing.T) {
	m, clk := newTestMock(t)

	require.NoError(t, m.Stepper().MoveTo(500))
	require.NoError(t, m.Servo().SweepTo(40, 0, 1))
	require.NoError(t, m.Pump().SetDuty(65535))
	clk.advance(2 * time.Second)
	require.NoError(t, m.Pump().SetDuty(0))
	require.NoError(t, m.Servo().Release())

	w1, _ := m.Weight(1)
	w0, _ := m.Weight(0)
	assert.InDelta(t, 100-1+20, w1, 1e-3)
	assert.InDelta(t, 99, w0, 1e-3)
}

func TestMock_RaisedNozzleSpills(t *testing.T) {
	m, clk := newTestMock(t)

	require.NoError(t, m.Stepper().MoveTo(500))
	require.NoError(t, m.Servo().SetAngle(watering.DefaultNeutralAngle))
	require.NoError(t, m.Pump().SetDuty(65535))
	clk.advance(2 * time.Second)

	w, _ := m.Weight(1)
	assert.InDelta(t, 99, w, 1e-3)
}

func TestMock_CalibratesAgainstSimulatedPlant(t *testing.T) {
	m, _ := newTestMock(t)
	m.cfg.NoiseLevel = 40
	m.cfg.RawOffset = 0
	src := m.Channel(0)

	m.SetWeight(0, 0)
	var c calib.Calibration
	_, err := c.CalibrateOffset(src, 20, time.Second)
	require.NoError(t, err)

	m.SetWeight(0, 200)
	_, err = c.CalibrateSlope(src, 20, 200, 0.1, time.Second)
	require.NoError(t, err)
	require.True(t, c.Populated())

	r, err := c.ReadWeight(src, 20, time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 200, r.Weight, 1)
	assert.Greater(t, r.WeightErr, float32(0))
}

func TestMock_NotConnected(t *testing.T) {
	m := NewMock(nil, []config.ScaleConfig{{ID: 0}})

	assert.False(t, m.IsConnected())
	assert.ErrorIs(t, m.Pump().SetDuty(1), ErrNotConnected)
	assert.ErrorIs(t, m.Stepper().MoveTo(1), ErrNotConnected)
	_, err := m.Channel(0).ReadRaw(time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect())
	assert.Error(t, m.Connect())
	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
