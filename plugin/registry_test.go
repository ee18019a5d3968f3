package plugin_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/task"
)

type recorder struct {
	name      string
	created   atomic.Int32
	failed    atomic.Int32
	returnErr error
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnTaskCompleted(context.Context, *task.Task) error {
	r.created.Add(1)
	return r.returnErr
}

func (r *recorder) OnTaskFailed(context.Context, *task.Task, error) error {
	r.failed.Add(1)
	return nil
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnIdempotentReplay(ctx context.Context, _ string) error {
	<-ctx.Done()
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := plugin.NewRegistry()
	require.NoError(t, r.Register(&recorder{name: "a"}))

	err := r.Register(&recorder{name: "a"})
	assert.ErrorContains(t, err, "duplicate registration")
	assert.Equal(t, 1, r.Count())
	assert.NotNil(t, r.Get("a"))
	assert.Nil(t, r.Get("b"))
}

func TestEmitDispatchesToImplementers(t *testing.T) {
	r := plugin.NewRegistry()
	p := &recorder{name: "rec", returnErr: errors.New("ignored")}
	require.NoError(t, r.Register(p))

	ctx := context.Background()
	r.EmitTaskCompleted(ctx, &task.Task{})
	r.EmitTaskCompleted(ctx, &task.Task{})
	r.EmitTaskFailed(ctx, &task.Task{}, errors.New("boom"))

	assert.Equal(t, int32(2), p.created.Load())
	assert.Equal(t, int32(1), p.failed.Load())
}

func TestEmitTimesOut(t *testing.T) {
	r := plugin.NewRegistry().WithTimeout(10 * time.Millisecond)
	require.NoError(t, r.Register(slowPlugin{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	r.EmitIdempotentReplay(ctx, "key")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *plugin.Registry
	assert.NotPanics(t, func() {
		r.EmitTaskCompleted(context.Background(), &task.Task{})
	})
}
