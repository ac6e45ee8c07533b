package systems

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobSystemValidation(t *testing.T) {
	_, err := NewJobSystem(0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = NewJobSystem(1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestSingleWorkerKeepsOrder(t *testing.T) {
	js, err := NewJobSystem(1, 16)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, js.Submit(Job{
			Name: "append",
			Run: func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		}))
	}
	require.NoError(t, js.Shutdown())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestJobFailureCallbacks(t *testing.T) {
	js, err := NewJobSystem(1, 1)
	require.NoError(t, err)

	boom := errors.New("boom")
	var failed error
	completed := false
	require.NoError(t, js.Submit(Job{
		Name:         "fail",
		Run:          func() error { return boom },
		OnFailure:    func(err error) { failed = err },
		OnCompletion: func() { completed = true },
	}))
	require.NoError(t, js.Shutdown())

	assert.ErrorIs(t, failed, boom)
	assert.True(t, completed)
}

func TestSubmitAfterShutdown(t *testing.T) {
	js, err := NewJobSystem(2, 0)
	require.NoError(t, err)
	require.NoError(t, js.Shutdown())
	require.NoError(t, js.Shutdown())
	assert.ErrorIs(t, js.Submit(Job{Run: func() error { return nil }}), ErrJobSystemClosed)
}
