package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSystemDispatchOrder(t *testing.T) {
	es := NewEventSystem(8)

	var got []SystemEventCode
	first, second := new(int), new(int)
	assert.True(t, es.Register(EVENT_CODE_APPLICATION_QUIT, first, func(ctx EventContext) bool {
		got = append(got, ctx.Type)
		return true
	}))
	assert.True(t, es.Register(EVENT_CODE_APPLICATION_QUIT, second, func(ctx EventContext) bool {
		t.Fatal("handled events must not reach later listeners")
		return false
	}))
	assert.False(t, es.Register(EVENT_CODE_APPLICATION_QUIT, first, nil))

	assert.True(t, es.Fire(EventContext{Type: EVENT_CODE_APPLICATION_QUIT}))
	assert.Empty(t, got)
	assert.Equal(t, 1, es.Dispatch())
	assert.Equal(t, []SystemEventCode{EVENT_CODE_APPLICATION_QUIT}, got)
}

func TestEventSystemFullQueueDrops(t *testing.T) {
	es := NewEventSystem(1)
	assert.True(t, es.Fire(EventContext{Type: EVENT_CODE_RESIZED}))
	assert.False(t, es.Fire(EventContext{Type: EVENT_CODE_RESIZED}))
	assert.Equal(t, 1, es.Dispatch())
}

func TestEventSystemUnregister(t *testing.T) {
	es := NewEventSystem(4)
	calls := 0
	l := new(int)
	es.Register(EVENT_CODE_CONFIG_RELOADED, l, func(EventContext) bool {
		calls++
		return false
	})
	assert.True(t, es.Unregister(EVENT_CODE_CONFIG_RELOADED, l))
	assert.False(t, es.Unregister(EVENT_CODE_CONFIG_RELOADED, l))

	es.Fire(EventContext{Type: EVENT_CODE_CONFIG_RELOADED})
	es.Dispatch()
	assert.Zero(t, calls)
}
