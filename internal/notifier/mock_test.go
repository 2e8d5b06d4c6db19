package notifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dendisuhubdy/ijson/internal/interfaces"
)

func TestMockAddRemove(t *testing.T) {
	m := NewMock()
	require.NoError(t, m.Add(3, true, false))
	require.True(t, m.Interested(3))

	require.NoError(t, m.Remove(3))
	require.False(t, m.Interested(3))

	add, _, remove, _, _ := m.CallCounts()
	require.Equal(t, 1, add)
	require.Equal(t, 1, remove)
}

func TestMockWaitDeliversPushedEvent(t *testing.T) {
	m := NewMock()
	m.Push(interfaces.Event{FD: 5, Readable: true})

	events, err := m.Wait()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 5, events[0].FD)
}

func TestMockClose(t *testing.T) {
	m := NewMock()
	require.False(t, m.IsClosed())
	require.NoError(t, m.Close())
	require.True(t, m.IsClosed())
}
