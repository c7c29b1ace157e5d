package arena_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wiremesh/hub/arena"
)

func TestAllocate_NeverFailsWithinCapacity(t *testing.T) {
	const handles, hwm, retained = 4, 2, 1
	capacity := handles*hwm + retained + 1
	a := arena.New(capacity)

	msgs := make([]*arena.Message, 0, capacity)
	for i := 0; i < capacity; i++ {
		m, err := a.Allocate([]byte("frame"))
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	_, err := a.Allocate([]byte("overflow"))
	require.ErrorIs(t, err, arena.ErrExhausted)

	for _, m := range msgs {
		m.Release()
	}

	// capacity is reusable once released
	_, err = a.Allocate([]byte("again"))
	require.NoError(t, err)
}

func TestClone_KeepsSlotAliveUntilAllReleased(t *testing.T) {
	a := arena.New(1)
	m, err := a.Allocate([]byte("x"))
	require.NoError(t, err)

	clone := m.Clone()
	m.Release()

	// the slot is still held because clone has not released yet
	_, err = a.Allocate([]byte("y"))
	require.True(t, errors.Is(err, arena.ErrExhausted))

	clone.Release()
	_, err = a.Allocate([]byte("z"))
	require.NoError(t, err)
}

func TestBytes_ReturnsStoredPayload(t *testing.T) {
	a := arena.New(1)
	m, err := a.Allocate([]byte("payload"))
	require.NoError(t, err)
	defer m.Release()
	require.Equal(t, []byte("payload"), m.Bytes())
}

func TestInUse_TracksOutstandingSlots(t *testing.T) {
	a := arena.New(2)
	require.Equal(t, 0, a.InUse())
	m, err := a.Allocate([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, 1, a.InUse())
	m.Release()
	require.Equal(t, 0, a.InUse())
}
