package battery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"duocall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSupply(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for k, v := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644))
	}
}

func TestSysfsSourceReadsBattery(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "AC", map[string]string{"type": "Mains", "online": "0"})
	writeSupply(t, root, "BAT0", map[string]string{"type": "Battery", "capacity": "42", "status": "Discharging"})

	reading, err := NewSysfsSource(root).Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.42, reading.Level, 1e-9)
	assert.False(t, reading.Charging)

	writeSupply(t, root, "BAT0", map[string]string{"status": "Charging"})
	reading, err = NewSysfsSource(root).Read(context.Background())
	require.NoError(t, err)
	assert.True(t, reading.Charging)

	watch, err := NewSysfsSource(root).Watch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, watch)
}

func TestSysfsSourceWithoutBattery(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "AC", map[string]string{"type": "Mains"})

	_, err := NewSysfsSource(root).Read(context.Background())
	assert.ErrorIs(t, err, domain.ErrBatteryUnavailable)

	_, err = NewSysfsSource(filepath.Join(root, "missing")).Read(context.Background())
	assert.ErrorIs(t, err, domain.ErrBatteryUnavailable)

	writeSupply(t, root, "BAT1", map[string]string{"type": "Battery", "capacity": "n/a"})
	_, err = NewSysfsSource(root).Read(context.Background())
	assert.ErrorIs(t, err, domain.ErrBatteryUnavailable)
}

func TestStaticSourcePushesUpdates(t *testing.T) {
	src := NewStaticSource(0.9, false)
	ctx, cancel := context.WithCancel(context.Background())

	watch, err := src.Watch(ctx)
	require.NoError(t, err)

	src.Set(domain.BatteryReading{Level: 0.5})
	src.Set(domain.BatteryReading{Level: 0.08})
	select {
	case r := <-watch:
		assert.Equal(t, 0.08, r.Level, "only the newest reading is kept")
	case <-time.After(time.Second):
		t.Fatal("no reading pushed")
	}

	reading, err := src.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.08, reading.Level)

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-watch
		return !open
	}, time.Second, 5*time.Millisecond)
}
