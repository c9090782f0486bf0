package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/config"
)

func TestLoadMissingFile(t *testing.T) {
	c, err := config.Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, "lvmscp", c.Actor.Name)
	assert.Equal(t, 30*time.Second, c.Actor.StatusDelay)
	assert.Equal(t, 3*time.Second, c.Shutter.RetryDelay)
	assert.True(t, c.Shutter.Enabled)
	assert.Equal(t, []string{"sp1"}, c.ControllerNames())
	assert.Equal(t, []string{"r1", "b1", "z1"}, c.Controllers["sp1"].CCDs)
	assert.Equal(t, "LCO", c.Observatory.Name)
	assert.Equal(t, "json", c.Bus.Encoding)
}

const sample = `
actor:
  name: lvmscp-test
  status_delay: 10s
controllers:
  sp2:
    lvmieb: lvmieb2
    ccds: [r2, b2, z2]
    mock: true
    readout_time: 1s
  sp3:
    ccds: [r3]
shutter:
  enabled: false
lamps: [Argon]
telescopes: [sci]
bus:
  broker: tcp://localhost:1883
  encoding: cbor
`

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lvmscp.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))
	t.Setenv("LVMSCP_HTTP__ADDR", ":9999")
	t.Setenv("LVMSCP_TELEMETRY__TIME_LIMIT", "2s")

	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lvmscp-test", c.Actor.Name)
	assert.Equal(t, 10*time.Second, c.Actor.StatusDelay)
	assert.Equal(t, []string{"sp2", "sp3"}, c.ControllerNames())
	assert.Equal(t, map[string]string{"sp2": "lvmieb2"}, c.IEB())
	assert.Equal(t, time.Second, c.Controllers["sp2"].ReadoutTime)
	assert.False(t, c.Shutter.Enabled)
	assert.Equal(t, 3*time.Second, c.Shutter.RetryDelay, "unset keys keep their defaults")
	assert.Equal(t, []string{"Argon"}, c.Lamps)
	assert.Equal(t, "tcp://localhost:1883", c.Bus.MQTT().Broker)
	assert.Equal(t, byte(1), c.Bus.MQTT().QoS)
	assert.Equal(t, "cbor", c.Bus.Encoding)
	assert.Equal(t, ":9999", c.HTTP.Addr)
	assert.Equal(t, 2*time.Second, c.Telemetry.TimeLimit)
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("actor: [unclosed"), 0644))
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := config.Default()
	c.Controllers = map[string]config.Controller{"sp1": config.DefaultController}
	require.NoError(t, config.Write(&buf, c))

	path := filepath.Join(t.TempDir(), "lvmscp.yml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	got, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.Actor, got.Actor)
	assert.Equal(t, c.Controllers, got.Controllers)
	assert.Equal(t, c.LN2, got.LN2)
}
