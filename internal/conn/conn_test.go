package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	c := New(3)
	defer c.Release()

	c.SetStatus(StatusClientWaitResult)
	require.True(t, c.TryClaim(StatusClientWaitResult, StatusBusy))
	require.Equal(t, StatusBusy, c.Status())

	// Claiming again from the old status fails: someone else already
	// moved it.
	require.False(t, c.TryClaim(StatusClientWaitResult, StatusNet))
}

func TestLinkUnlink(t *testing.T) {
	c := New(4)
	defer c.Release()

	require.EqualValues(t, 1, c.Link())
	require.EqualValues(t, 2, c.Link())
	require.False(t, c.Unlink())
	require.True(t, c.Unlink())
}

func TestPeerLinking(t *testing.T) {
	worker := New(1)
	client := New(2)
	defer worker.Release()
	defer client.Release()

	worker.SetPeer(client)
	require.EqualValues(t, 1, client.RefCount())
	require.Same(t, client, worker.GetPeer())

	cleared := worker.ClearPeer()
	require.Same(t, client, cleared)
	require.EqualValues(t, 0, client.RefCount())
	require.Nil(t, worker.GetPeer())
}

func TestRequestRoundTrip(t *testing.T) {
	c := New(5)
	defer c.Release()

	req := Request{Name: "render.jpeg", ID: "42", Priority: 3}
	c.SetRequest(req)

	got := c.GetRequest()
	require.Equal(t, "render.jpeg", got.Name)
	require.Equal(t, "42", got.ID)
	require.Equal(t, 3, got.Priority)
}

func TestGenerateIDUnique(t *testing.T) {
	c := New(6)
	defer c.Release()

	a := c.GenerateID()
	b := c.GenerateID()
	require.NotEqual(t, a, b)
}

func TestMigrateSetsFlags(t *testing.T) {
	c := New(7)
	defer c.Release()

	c.NLoop.Store(0)
	c.Migrate(2)

	require.True(t, c.GoLoop.Load())
	require.EqualValues(t, 2, c.NeedLoop.Load())
}
