package monitoring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalMonitor(t *testing.T) {
	m := &MockMonitor{}
	Init(m)
	t.Cleanup(func() { Init(NopMonitor{}) })

	CaptureException(nil, nil)
	CaptureException(errors.New("boom"), map[string]string{"op": "settlement"})
	require.Equal(t, 1, m.Len())
	assert.Equal(t, "settlement", m.Captured[0].Tags["op"])

	Init(nil)
	CaptureException(errors.New("again"), nil)
	assert.Equal(t, 2, m.Len(), "nil Init keeps the current monitor")
}

func TestRecoverReportsAndRepanics(t *testing.T) {
	m := &MockMonitor{}
	Init(m)
	t.Cleanup(func() { Init(NopMonitor{}) })

	assert.PanicsWithValue(t, "kaboom", func() {
		defer Recover()
		panic("kaboom")
	})
	assert.Equal(t, []any{"kaboom"}, m.Panics)
}
