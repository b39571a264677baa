package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsbridge/internal/channels"
)

func TestParseFieldFlag(t *testing.T) {
	tests := []struct {
		in      string
		n       int
		want    channels.FieldBinding
		wantErr bool
	}{
		{in: "1=device:pool.temperature", n: 1, want: channels.FieldBinding{Kind: channels.BindingDeviceState, DeviceID: "pool", State: "temperature"}},
		{in: "8=variable:mode", n: 8, want: channels.FieldBinding{Kind: channels.BindingVariable, VariableID: "mode"}},
		{in: "3=device:meter.power.l1", n: 3, want: channels.FieldBinding{Kind: channels.BindingDeviceState, DeviceID: "meter", State: "power.l1"}},
		{in: "0=variable:mode", wantErr: true},
		{in: "9=variable:mode", wantErr: true},
		{in: "x=variable:mode", wantErr: true},
		{in: "1variable:mode", wantErr: true},
		{in: "1=device:pool", wantErr: true},
		{in: "1=sensor:pool.t", wantErr: true},
		{in: "1=variable:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, b, err := parseFieldFlag(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.n, n)
			assert.Equal(t, tt.want, b)
		})
	}
}

func TestLoadChannelFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	data := `channels:
  - name: Pool
    writeKey: ABCDEFGHIJKLMNOP
    interval: 5m
    fields:
      1: {kind: device, device: pool, state: temperature}
      3: {kind: variable, variable: mode}
  - name: Garage
    enabled: false
    geo: {latitude: 51.5, longitude: -0.12, elevation: 30}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	list, err := loadChannelFile(path)
	require.NoError(t, err)
	require.Len(t, list, 2)

	pool := list[0]
	assert.Equal(t, "Pool", pool.Name)
	assert.True(t, pool.Enabled)
	assert.Equal(t, 5*time.Minute, pool.Interval)
	assert.Equal(t, 2, pool.BoundFields())
	assert.Equal(t, "temperature", pool.Fields[0].State)
	assert.Equal(t, channels.BindingNone, pool.Fields[1].Kind)
	assert.Equal(t, "mode", pool.Fields[2].VariableID)

	garage := list[1]
	assert.False(t, garage.Enabled)
	require.NotNil(t, garage.Geo)
	assert.InDelta(t, 51.5, garage.Geo.Latitude, 1e-9)
}

func TestLoadChannelFileRejectsBadField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	data := "channels:\n  - name: Bad\n    fields:\n      9: {kind: variable, variable: mode}\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	_, err := loadChannelFile(path)
	assert.ErrorContains(t, err, "field number 9")
}

func TestReadPasswordLine(t *testing.T) {
	pw, err := readPasswordLine(strings.NewReader("s3cret-pass\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret-pass", pw)

	pw, err = readPasswordLine(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", pw)

	_, err = readPasswordLine(strings.NewReader(""))
	assert.Error(t, err)
}
