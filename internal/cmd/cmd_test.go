package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"pokeball-mouse/ble"
	"pokeball-mouse/calibration"
	"pokeball-mouse/capture"
	"pokeball-mouse/diagnostics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// writeCapture records n copies of p one millisecond apart.
func writeCapture(t *testing.T, n int, p ble.Packet) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := capture.NewWriter(f)
	start := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Write(start.Add(time.Duration(i)*time.Millisecond), p))
	}
	require.NoError(t, f.Close())
	return path
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"XSpeed":              "x_speed",
		"YSensitivity":        "y_sensitivity",
		"CalibrationDuration": "calibration_duration",
		"DryRun":              "dry_run",
		"Uinput":              "uinput",
		"NoCalibrate":         "no_calibrate",
	}
	for in, want := range cases {
		assert.Equal(t, want, snakeCase(in), in)
	}
}

func TestBuildMapFromRun(t *testing.T) {
	m := buildMapFromStruct(commandTypes["run"])
	assert.EqualValues(t, 20, m["x_speed"])
	assert.InDelta(t, 0.4, m["y_sensitivity"], 1e-9)
	assert.EqualValues(t, 3, m["decimation"])
	assert.Equal(t, "2s", m["calibration_duration"])
	assert.Equal(t, false, m["no_calibrate"])
	assert.NotContains(t, m, "replay")

	device, ok := m["device"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Pokemon PBP", device["name_prefix"])
	assert.Equal(t, "2s", device["retry_delay"])
}

func TestBuildMapSkipsArgs(t *testing.T) {
	m := buildMapFromStruct(commandTypes["record"])
	assert.NotContains(t, m, "output")
	assert.Equal(t, "0s", m["duration"])
}

func TestConfigInitFormats(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "run.json")
	require.NoError(t, (&ConfigInit{Command: "run", Format: "json", Output: jsonPath}).Run())
	var fromJSON map[string]any
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	assert.EqualValues(t, 20, fromJSON["x_speed"])
	assert.Equal(t, map[string]any{"level": "info"}, fromJSON["log"])

	yamlPath := filepath.Join(dir, "nested", "calibrate.yaml")
	require.NoError(t, (&ConfigInit{Command: "calibrate", Format: "yml", Output: yamlPath}).Run())
	var fromYAML map[string]any
	data, err = os.ReadFile(yamlPath)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Equal(t, 500, fromYAML["calibration_samples"])
	assert.Equal(t, "legacy", fromYAML["mode"])

	tomlPath := filepath.Join(dir, "xtest.toml")
	require.NoError(t, (&ConfigInit{Command: "xtest", Format: "toml", Output: tomlPath}).Run())
	data, err = os.ReadFile(tomlPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "device")
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	err := (&ConfigInit{Command: "run", Format: "json", Output: path}).Run()
	assert.ErrorContains(t, err, "--force")
	require.NoError(t, (&ConfigInit{Command: "run", Format: "json", Output: path, Force: true}).Run())

	assert.Error(t, (&ConfigInit{Command: "run", Format: "ini", Output: path, Force: true}).Run())
	assert.Error(t, (&ConfigInit{Command: "fly", Format: "json", Output: path, Force: true}).Run())
}

func TestDeviceFlagsConnectConfig(t *testing.T) {
	cfg := DeviceFlags{Address: "58:2F:40:8D:50:71", Attempts: 5, RetryDelay: time.Second}.ConnectConfig()
	assert.Equal(t, "58:2F:40:8D:50:71", cfg.Address)
	assert.Equal(t, ble.DefaultNamePrefix, cfg.NamePrefix)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, 5, cfg.Attempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, ble.InputCharUUID, cfg.CharUUID)
	assert.Zero(t, cfg.ScanTimeout)
}

func TestOpenMissingCapture(t *testing.T) {
	_, err := SourceFlags{Replay: filepath.Join(t.TempDir(), "none.jsonl")}.open(false, quietLogger())
	assert.Error(t, err)
}

func TestReplayHeldUntilCalibrationListens(t *testing.T) {
	path := writeCapture(t, 30, ble.Packet{0, 0, 0x22, 0x04, 120})
	src, err := SourceFlags{Replay: path}.open(false, quietLogger())
	require.NoError(t, err)

	src.Hold()
	done, err := started(context.Background(), src, nil)
	require.NoError(t, err)

	var after []ble.Packet
	cfg := calibration.Config{Mode: ble.ModeDecode, Samples: 10, Margin: calibration.DeadzoneMargin}
	res, err := runCalibration(context.Background(), src, cfg, func(p ble.Packet) { after = append(after, p) }, quietLogger())
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, 10, res.Samples)
	assert.Equal(t, 120, res.Profile.CenterY)
	assert.Equal(t, calibration.DeadzoneMargin, res.Profile.DeadzoneY)
	assert.NotEmpty(t, after)
	assert.LessOrEqual(t, len(after), 20)
}

func TestRunDryReplay(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := writeCapture(t, 60, ble.Packet{0, 0x01, 0, 0x09, 118})

	r := &Run{
		Source:              SourceFlags{Replay: path, ReplaySpeed: 10},
		XSpeed:              20,
		YSensitivity:        0.4,
		Decimation:          3,
		CalibrationDuration: 2 * time.Millisecond,
		DeadzoneMargin:      5,
		DryRun:              true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, r.run(ctx, quietLogger()))
}

func TestRunBadCalibrationFile(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "cal.txt")
	require.NoError(t, os.WriteFile(bad, []byte("center_y=abc\n"), 0o644))
	r := &Run{CalibrationFile: bad, DryRun: true}
	err := r.run(context.Background(), quietLogger())
	assert.ErrorIs(t, err, calibration.ErrInvalidFile)
}

func TestRunLoadsDefaultCalibration(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	r := &Run{}

	p, ok, err := r.loadProfile(quietLogger())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 118, p.CenterY)

	path, err := (&Calibrate{}).outputPath()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("center_y=121\ndeadzone=9\n"), 0o644))

	p, ok, err = r.loadProfile(quietLogger())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 121, p.CenterY)
	assert.Equal(t, 9, p.DeadzoneY)
}

func TestCalibrateFromReplay(t *testing.T) {
	path := writeCapture(t, 40, ble.Packet{0, 0, 0x22, 0x34, 120})
	out := filepath.Join(t.TempDir(), "cal", "pokeball_calibration.txt")

	c := &Calibrate{
		Source:             SourceFlags{Replay: path, ReplaySpeed: 100},
		CalibrationSamples: 25,
		DeadzoneMargin:     5,
		Mode:               "legacy",
		Output:             out,
	}
	require.NoError(t, c.run(context.Background(), quietLogger()))

	p, err := calibration.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 0x34, p.CenterY)
	assert.Equal(t, 5, p.DeadzoneY)
}

func TestCalibrateReplayTooShort(t *testing.T) {
	path := writeCapture(t, 5, ble.Packet{0, 0, 0x22, 0x34, 120})
	c := &Calibrate{
		Source:             SourceFlags{Replay: path, ReplaySpeed: 100},
		CalibrationSamples: 500,
		Mode:               "legacy",
		Output:             filepath.Join(t.TempDir(), "cal.txt"),
	}
	err := c.run(context.Background(), quietLogger())
	assert.ErrorContains(t, err, "packet source ended")
	assert.NoFileExists(t, c.Output)
}

func TestCalibrateBadMode(t *testing.T) {
	c := &Calibrate{Mode: "sideways"}
	assert.Error(t, c.run(context.Background(), quietLogger()))
}

func TestRecordReplayRoundTrip(t *testing.T) {
	in := writeCapture(t, 12, ble.Packet{0, 0x02, 0, 0x04, 118})
	out := filepath.Join(t.TempDir(), "copy.jsonl")

	r := &Record{Source: SourceFlags{Replay: in, ReplaySpeed: 100}, Output: out}
	require.NoError(t, r.run(context.Background(), quietLogger()))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	frames, err := capture.Read(f)
	require.NoError(t, err)
	require.Len(t, frames, 12)
	assert.Equal(t, ble.Packet{0, 0x02, 0, 0x04, 118}, frames[0].Packet)
}

func TestXTestWritesCapture(t *testing.T) {
	in := writeCapture(t, 50, ble.Packet{0, 0, 0x22, 0x04, 118})
	out := filepath.Join(t.TempDir(), "x.json")
	phases := []diagnostics.Phase{
		{Name: diagnostics.PhaseCenter, Instruction: "rest", Duration: 5 * time.Millisecond},
		{Name: diagnostics.PhaseLeftOnly, Instruction: "left", Duration: 5 * time.Millisecond},
	}

	var report bytes.Buffer
	x := &XTest{Source: SourceFlags{Replay: in}, Output: out}
	require.NoError(t, x.run(context.Background(), quietLogger(), phases, &report))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var c diagnostics.Capture
	require.NoError(t, json.Unmarshal(data, &c))
	assert.Contains(t, c.Phases, diagnostics.PhaseCenter)
	assert.Contains(t, c.Phases, diagnostics.PhaseLeftOnly)
	assert.Equal(t, "X-axis isolation test", c.Metadata.Description)
	assert.Contains(t, report.String(), "Quick analysis")
}

func TestXTestDefaultOutputName(t *testing.T) {
	at := time.Unix(1760000000, 0)
	assert.Equal(t, "pokeball_x_axis_1760000000.json", (&XTest{}).outputPath(at))
}
