package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRotationFile(t *testing.T, dir, body string) {
	t.Helper()
	// Rename into place so the watcher never sees a truncated file.
	tmp := filepath.Join(dir, "rotation.yml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "rotation.yml")))
}

func TestValidateRotationConfig(t *testing.T) {
	valid := DefaultRotationConfig()
	require.NoError(t, validateRotationConfig(valid))

	cases := map[string]func(*RotationConfig){
		"zero parallelism":     func(c *RotationConfig) { c.Parallelism = 0 },
		"too much parallelism": func(c *RotationConfig) { c.Parallelism = 65 },
		"zero batch size":      func(c *RotationConfig) { c.BatchSize = 0 },
		"negative lock ttl":    func(c *RotationConfig) { c.LockTTL = -time.Second },
		"lock shorter than run": func(c *RotationConfig) {
			c.LockTTL = time.Minute
			c.ChamaTimeout = 2 * time.Minute
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultRotationConfig()
			mutate(&cfg)
			assert.Error(t, validateRotationConfig(cfg))
		})
	}
}

func TestNewRotationConfigHolderRejectsZeroParallelism(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeRotationFile(t, dir, "rotation:\n  parallelism: 0\n")

	_, err := NewRotationConfigHolder()
	assert.Error(t, err)
}

func TestRotationConfigHolderReload(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeRotationFile(t, dir, "rotation:\n  parallelism: 2\n  batchSize: 50\n")

	holder, err := NewRotationConfigHolder()
	require.NoError(t, err)
	cfg := holder.Get()
	assert.Equal(t, 2, cfg.Parallelism)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, DefaultRotationConfig().Messages, cfg.Messages)

	writeRotationFile(t, dir, "rotation:\n  parallelism: 0\n  batchSize: 0\n")
	assert.Never(t, func() bool {
		current := holder.Get()
		return current.Parallelism != 2 || current.BatchSize != 50
	}, 500*time.Millisecond, 20*time.Millisecond)

	writeRotationFile(t, dir, "rotation:\n  parallelism: 3\n  batchSize: 25\n  messages:\n    chamaStarted: \"\"\n")
	require.Eventually(t, func() bool {
		return holder.Get().Parallelism == 3
	}, 5*time.Second, 20*time.Millisecond)

	cfg = holder.Get()
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, DefaultRotationConfig().Messages.ChamaStarted, cfg.Messages.ChamaStarted)
	assert.Equal(t, DefaultRotationConfig().LockTTL, cfg.LockTTL)
}
