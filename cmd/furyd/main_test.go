package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"furyrgb-go/bus"
	"furyrgb-go/errcode"
	"furyrgb-go/services/config"
	"furyrgb-go/types"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(args ...string) (*app, *bytes.Buffer) {
	a := newApp()
	a.logger.SetOutput(io.Discard)
	a.fs = afero.NewMemMapFs()
	out := &bytes.Buffer{}
	a.root.SetOut(out)
	a.root.SetErr(io.Discard)
	a.root.SetArgs(args)
	return a, out
}

func TestVersion(t *testing.T) {
	a, out := testApp("version")
	require.NoError(t, a.root.ExecuteContext(context.Background()))
	assert.Equal(t, "furyd dev\n", out.String())
}

func TestDetectSimulated(t *testing.T) {
	a, out := testApp("detect", "--simulate", "3")
	require.NoError(t, a.root.ExecuteContext(context.Background()))
	assert.Equal(t, "slot 0: 0x58\nslot 1: 0x59\nslot 2: 0x5a\n", out.String())
}

func TestSetSimulated(t *testing.T) {
	a, _ := testApp("set", "--simulate", "2", "--color", "#00ff00", "--brightness", "50")
	require.NoError(t, a.root.ExecuteContext(context.Background()))
	assert.Equal(t, "#00ff00", a.cfg.Color)
	assert.Equal(t, 50, a.cfg.Brightness)
}

func TestSimulateOutOfRange(t *testing.T) {
	a, _ := testApp("detect", "--simulate", "5")
	err := a.root.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, errcode.InvalidConfig)
}

func TestInvalidFlagsRejected(t *testing.T) {
	a, _ := testApp("set", "--simulate", "1", "--brightness", "101")
	assert.ErrorIs(t, a.root.ExecuteContext(context.Background()), errcode.InvalidConfig)

	a, _ = testApp("set", "--simulate", "1", "--color", "#FFFFFF")
	assert.ErrorIs(t, a.root.ExecuteContext(context.Background()), errcode.InvalidColorFormat)
}

func TestConfigFile(t *testing.T) {
	a, _ := testApp("set", "--simulate", "1", "--config", "/etc/furyd.yaml", "--brightness", "10")
	require.NoError(t, afero.WriteFile(a.fs, "/etc/furyd.yaml", []byte("color: \"#102030\"\nbrightness: 90\n"), 0o644))
	require.NoError(t, a.root.ExecuteContext(context.Background()))
	assert.Equal(t, "#102030", a.cfg.Color)
	assert.Equal(t, 10, a.cfg.Brightness, "flags override the file")
}

func TestVerboseRaisesLevel(t *testing.T) {
	a, _ := testApp("detect", "--simulate", "1", "-vv")
	require.NoError(t, a.root.ExecuteContext(context.Background()))
	assert.Equal(t, logrus.DebugLevel, a.logger.GetLevel())

	a, _ = testApp("detect", "--simulate", "1", "--log-level", "debug", "-vvvvvv")
	require.NoError(t, a.root.ExecuteContext(context.Background()))
	assert.Equal(t, logrus.TraceLevel, a.logger.GetLevel())
}

func TestDaemonSimulatedShutsDownCleanly(t *testing.T) {
	a, _ := testApp("--simulate", "2")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.root.ExecuteContext(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonInterruptedDuringStartup(t *testing.T) {
	a, _ := testApp("--simulate", "2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.root.ExecuteContext(ctx), "a signal before the modules are confirmed is a clean exit")
}

func TestReloadAppliesLogLevel(t *testing.T) {
	const path = "/etc/furyd.yaml"
	a, _ := testApp("detect", "--simulate", "1", "--config", path)
	require.NoError(t, afero.WriteFile(a.fs, path, []byte("log_level: warn\n"), 0o644))
	require.NoError(t, a.root.ExecuteContext(context.Background()))
	require.Equal(t, logrus.WarnLevel, a.logger.GetLevel())

	b := bus.NewBus(4)
	conn := b.NewConnection("config")
	sub := b.NewConnection("test").Subscribe(config.TopicRGB)

	require.NoError(t, afero.WriteFile(a.fs, path, []byte("log_level: debug\ncolor: \"#112233\"\n"), 0o644))
	require.NoError(t, a.reload(conn))
	assert.Equal(t, logrus.DebugLevel, a.logger.GetLevel())
	assert.Equal(t, "debug", a.cfg.LogLevel)

	select {
	case m := <-sub.Channel():
		cmd, ok := m.Payload.(types.Command)
		require.True(t, ok, "payload %T", m.Payload)
		assert.Equal(t, types.Color{R: 0x11, G: 0x22, B: 0x33}, cmd.Color)
	case <-time.After(time.Second):
		t.Fatal("no command published on reload")
	}

	// An invalid file changes nothing.
	require.NoError(t, afero.WriteFile(a.fs, path, []byte("log_level: trace\nbrightness: 500\n"), 0o644))
	assert.ErrorIs(t, a.reload(conn), errcode.InvalidConfig)
	assert.Equal(t, logrus.DebugLevel, a.logger.GetLevel())
	assert.Equal(t, "debug", a.cfg.LogLevel)
}
