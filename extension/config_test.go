package extension

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	tally "github.com/xraph/tally"
)

func TestMergeConfigurations(t *testing.T) {
	t.Run("defaults fill an empty config", func(t *testing.T) {
		got := mergeConfigurations(Config{}, Config{})
		assert.Equal(t, tally.DefaultConfig(), got.Engine)
	})

	t.Run("file wins over programmatic", func(t *testing.T) {
		file := Config{Engine: tally.Config{MaxAttempts: 3}}
		prog := Config{Engine: tally.Config{MaxAttempts: 9, RetryBackoff: 10 * time.Second}}

		got := mergeConfigurations(file, prog)
		assert.Equal(t, 3, got.Engine.MaxAttempts)
		assert.Equal(t, 10*time.Second, got.Engine.RetryBackoff)
		assert.Equal(t, tally.DefaultConfig().PollInterval, got.Engine.PollInterval)
	})

	t.Run("programmatic flags are sticky", func(t *testing.T) {
		prog := Config{
			Engine:        tally.Config{DisableMigrate: true, DisableWorkers: true},
			RequireConfig: true,
		}

		got := mergeConfigurations(Config{}, prog)
		assert.True(t, got.Engine.DisableMigrate)
		assert.True(t, got.Engine.DisableWorkers)
		assert.True(t, got.RequireConfig)
	})
}

func TestOptionsCollectEngineOptions(t *testing.T) {
	e := New(
		WithMaxAttempts(7),
		WithRetryBackoff(time.Second),
		WithDisableWorkers(),
		WithIdempotency(nil, nil),
	)

	assert.Equal(t, 7, e.config.Engine.MaxAttempts)
	assert.Equal(t, time.Second, e.config.Engine.RetryBackoff)
	assert.True(t, e.config.Engine.DisableWorkers)
	assert.Empty(t, e.tallyOpts)
	assert.Len(t, e.buildTallyOpts(), 1)
}
