package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapSetText(t *testing.T) {
	r := New()
	assert.Equal(t, "", r.Text())

	require.Nil(t, r.SetText("hello"))
	assert.Equal(t, "hello", r.Text())
	assert.Equal(t, 5, r.Len())

	// replace, including the delete half of the transaction
	require.Nil(t, r.SetText("bye"))
	assert.Equal(t, "bye", r.Text())
}

func TestInsertAndDelete(t *testing.T) {
	r := New()
	require.Nil(t, r.SetText("hello"))
	require.Nil(t, r.InsertAt(5, " world"))
	assert.Equal(t, "hello world", r.Text())

	require.Nil(t, r.DeleteRange(0, 6))
	assert.Equal(t, "world", r.Text())

	assert.ErrorIs(t, r.InsertAt(99, "x"), ErrRange)
	assert.ErrorIs(t, r.DeleteRange(3, 10), ErrRange)
	assert.ErrorIs(t, r.DeleteRange(-1, 1), ErrRange)
}

func TestInsertAfterDeleteLandsAtVisiblePosition(t *testing.T) {
	r := New()
	require.Nil(t, r.SetText("hello"))
	require.Nil(t, r.DeleteRange(0, 2))
	assert.Equal(t, "llo", r.Text())

	// positions count visible runes, not tombstones
	require.Nil(t, r.InsertAt(3, "!"))
	assert.Equal(t, "llo!", r.Text())

	require.Nil(t, r.InsertAt(1, "x"))
	assert.Equal(t, "lxlo!", r.Text())
}

func TestExchangeWithDeletions(t *testing.T) {
	a := New()
	b := New()

	require.Nil(t, a.SetText("hello"))
	diff, err := a.DiffSince(b.StateVector())
	require.Nil(t, err)
	_, err = b.ApplyRemote(diff)
	require.Nil(t, err)

	require.Nil(t, b.DeleteRange(0, 2))
	require.Nil(t, b.InsertAt(3, "!"))
	diff, err = b.DiffSince(a.StateVector())
	require.Nil(t, err)
	_, err = a.ApplyRemote(diff)
	require.Nil(t, err)

	assert.Equal(t, "llo!", a.Text())
	assert.Equal(t, a.Text(), b.Text())
}

func TestObserverOncePerTransaction(t *testing.T) {
	r := New()
	var updates [][]byte
	r.OnLocalChange(func(u []byte) { updates = append(updates, u) })

	require.Nil(t, r.SetText("hello"))
	assert.Equal(t, 1, len(updates))

	require.Nil(t, r.InsertAt(5, "!"))
	assert.Equal(t, 2, len(updates))

	require.Nil(t, r.DeleteRange(0, 1))
	assert.Equal(t, 3, len(updates))
}

func TestObserverUpdateIsSelfContained(t *testing.T) {
	a := New()
	b := New()

	var updates [][]byte
	a.OnLocalChange(func(u []byte) { updates = append(updates, u) })

	require.Nil(t, a.SetText("hi"))
	require.Nil(t, a.InsertAt(2, "ya"))
	require.Equal(t, 2, len(updates))

	for _, u := range updates {
		_, err := b.ApplyRemote(u)
		require.Nil(t, err)
	}
	assert.Equal(t, "hiya", b.Text())
}

func TestDiffAndApply(t *testing.T) {
	a := New()
	b := New()
	require.Nil(t, a.SetText("hello"))

	diff, err := a.DiffSince(b.StateVector())
	require.Nil(t, err)

	mutated, err := b.ApplyRemote(diff)
	require.Nil(t, err)
	assert.True(t, mutated)
	assert.Equal(t, "hello", b.Text())
}

func TestApplyRemoteIdempotent(t *testing.T) {
	a := New()
	b := New()
	require.Nil(t, a.SetText("hello"))

	diff, err := a.DiffSince(b.StateVector())
	require.Nil(t, err)

	mutated, err := b.ApplyRemote(diff)
	require.Nil(t, err)
	assert.True(t, mutated)

	mutated, err = b.ApplyRemote(diff)
	require.Nil(t, err)
	assert.False(t, mutated)
	assert.Equal(t, "hello", b.Text())
}

func TestConvergenceAfterExchange(t *testing.T) {
	a := New()
	b := New()

	require.Nil(t, a.SetText("hello"))
	diff, err := a.DiffSince(b.StateVector())
	require.Nil(t, err)
	_, err = b.ApplyRemote(diff)
	require.Nil(t, err)

	require.Nil(t, b.InsertAt(5, " world"))
	diff, err = b.DiffSince(a.StateVector())
	require.Nil(t, err)
	_, err = a.ApplyRemote(diff)
	require.Nil(t, err)

	assert.Equal(t, "hello world", a.Text())
	assert.Equal(t, a.Text(), b.Text())

	// nothing left to exchange in either direction
	diff, err = a.DiffSince(b.StateVector())
	require.Nil(t, err)
	mutated, err := b.ApplyRemote(diff)
	require.Nil(t, err)
	assert.False(t, mutated)
}

func TestEmptyDiffBetweenEmptyReplicas(t *testing.T) {
	a := New()
	b := New()

	diff, err := a.DiffSince(b.StateVector())
	require.Nil(t, err)

	mutated, err := b.ApplyRemote(diff)
	require.Nil(t, err)
	assert.False(t, mutated)
	assert.Equal(t, "", b.Text())
}

func TestApplyRemoteEmptyPayload(t *testing.T) {
	r := New()
	mutated, err := r.ApplyRemote(nil)
	assert.Nil(t, err)
	assert.False(t, mutated)
}

func TestApplyRemoteGarbage(t *testing.T) {
	r := New()
	_, err := r.ApplyRemote([]byte{0xff, 0x01})
	assert.ErrorIs(t, err, ErrDecodeFailed)

	_, err = r.ApplyRemote([]byte{0x80})
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestDiffSinceGarbage(t *testing.T) {
	r := New()
	_, err := r.DiffSince([]byte{0x80})
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestStateVectorEmptyReplica(t *testing.T) {
	r := New()
	// no agents observed yet
	assert.Equal(t, []byte{0x00}, r.StateVector())
}

func TestAgentsDistinct(t *testing.T) {
	assert.NotEqual(t, New().Agent(), New().Agent())
}
