package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchnet/internal/result"
)

func TestResolveDefaults(t *testing.T) {
	s, err := Resolve(Properties{}, DefaultConstants())
	require.NoError(t, err)
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	assert.Equal(t, fmt.Sprintf("%d@%s", os.Getpid(), host), s.Name)
	assert.Equal(t, "/"+s.Name, s.Path)
	assert.Equal(t, host, s.NetworkName)
	assert.Equal(t, DefaultAdvAddress, s.AdvertisingAddress)
	assert.Equal(t, DefaultAdvPort, s.AdvertisingPort)
	assert.Equal(t, DefaultAdvInterval, s.AdvertisingInterval)
	assert.Equal(t, DefaultConnectionTimeout, s.Timeout)
	assert.Equal(t, []string{"localhost"}, s.AdvertisingInterfaces)
	assert.Equal(t, TransportTCP, s.Transport)
	assert.Equal(t, "[::]:0", s.ListenAddress)
}

func TestResolveRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		p    Properties
		code result.Code
	}{
		{name: "path", p: Properties{Path: "no-slash"}, code: result.InvalidParam},
		{name: "interval", p: Properties{AdvertisingInterval: Duration(time.Microsecond)}, code: result.InvalidParam},
		{name: "timeout", p: Properties{Timeout: Duration(time.Microsecond)}, code: result.InvalidParam},
		{name: "address", p: Properties{AdvertisingAddress: "not-an-ip"}, code: result.InvalidParam},
		{name: "port", p: Properties{AdvertisingPort: 70000}, code: result.InvalidParam},
		{name: "txqueue", p: Properties{TxQueueSize: 10}, code: result.InvalidParam},
		{name: "transport", p: Properties{Transport: "udp"}, code: result.ConfigNotValid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(tc.p, DefaultConstants())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.code), "got %v", err)
		})
	}
}

func TestResolveAcceptsInfinite(t *testing.T) {
	s, err := Resolve(Properties{
		AdvertisingInterval: Duration(Infinite),
		Timeout:             Duration(Infinite),
	}, DefaultConstants())
	require.NoError(t, err)
	assert.Equal(t, Infinite, s.AdvertisingInterval)
	assert.Equal(t, Infinite, s.Timeout)
}

func TestDurationJSON(t *testing.T) {
	var p Properties
	require.NoError(t, json.Unmarshal([]byte(`{"timeout":-1,"advertising_interval":0.5}`), &p))
	assert.True(t, p.Timeout.IsInfinite())
	assert.Equal(t, 500*time.Millisecond, p.AdvertisingInterval.Std())

	require.NoError(t, json.Unmarshal([]byte(`{"timeout":"infinite","advertising_interval":"250ms"}`), &p))
	assert.True(t, p.Timeout.IsInfinite())
	assert.Equal(t, 250*time.Millisecond, p.AdvertisingInterval.Std())

	out, err := json.Marshal(Properties{Timeout: Duration(Infinite)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":-1}`, string(out))
}

func TestLoadFileTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "branch.toml")
	data := `
name = "sensor"
path = "/plant/sensor"
network_name = "plant"
network_password = "secret"
advertising_interfaces = ["localhost"]
advertising_interval = "200ms"
timeout = "infinite"
ghost_mode = true
transport = "quic"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))
	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sensor", p.Name)
	assert.Equal(t, "/plant/sensor", p.Path)
	assert.Equal(t, "secret", p.NetworkPassword)
	assert.Equal(t, 200*time.Millisecond, p.AdvertisingInterval.Std())
	assert.True(t, p.Timeout.IsInfinite())
	assert.True(t, p.GhostMode)
	assert.Equal(t, TransportQUIC, p.Transport)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, result.OpenFileFailed))

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"unknown_key":1}`), 0600))
	_, err = LoadFile(path)
	assert.True(t, errors.Is(err, result.ParsingFileFailed))
	assert.True(t, errors.Is(err, result.ParsingJSONFailed))
}

func TestMergeAndEnv(t *testing.T) {
	base := Properties{Name: "a", NetworkName: "n1", AdvertisingPort: 1000}
	merged := base.Merge(Properties{NetworkName: "n2", GhostMode: true})
	assert.Equal(t, "a", merged.Name)
	assert.Equal(t, "n2", merged.NetworkName)
	assert.Equal(t, 1000, merged.AdvertisingPort)
	assert.True(t, merged.GhostMode)

	t.Setenv("BRANCHNET_NETWORK_PASSWORD", "pw")
	t.Setenv("BRANCHNET_ADV_PORT", "2000")
	env := ApplyEnv(merged)
	assert.Equal(t, "pw", env.NetworkPassword)
	assert.Equal(t, 2000, env.AdvertisingPort)
}

func TestDurationErrorsCarryInvalidParam(t *testing.T) {
	for _, in := range []string{"soon", "-5s"} {
		_, err := ParseDuration(in)
		assert.True(t, errors.Is(err, result.InvalidParam), "%q: got %v", in, err)
	}
	var d Duration
	assert.True(t, errors.Is(d.UnmarshalJSON([]byte("1e300")), result.InvalidParam))
	assert.True(t, errors.Is(d.UnmarshalJSON([]byte(`"soon"`)), result.InvalidParam))

	_, err := ParseJSON([]byte(`{"timeout":"soon"}`))
	assert.True(t, errors.Is(err, result.ParsingJSONFailed))
	assert.True(t, errors.Is(err, result.InvalidParam))
}
