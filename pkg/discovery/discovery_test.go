package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponderFuncDelegates(t *testing.T) {
	called := false
	r := ResponderFunc(func() []byte {
		called = true
		return []byte("census")
	})
	require.Equal(t, []byte("census"), r.Respond())
	require.True(t, called)
}

func TestCollectorObserveOverwritesSameRemote(t *testing.T) {
	c := NewCollector()
	first := c.Observe("10.0.0.1:9000", []byte("v1"), 1.0)
	require.Equal(t, 1, c.Len())

	second := c.Observe("10.0.0.1:9000", []byte("v2"), 2.0)
	require.Equal(t, 1, c.Len(), "a repeated remote must overwrite, not accumulate")
	require.NotEqual(t, first.ID, second.ID)

	records := c.Records()
	require.Len(t, records, 1)
	require.Equal(t, []byte("v2"), records[0].Payload)
}

func TestCollectorTracksDistinctRemotes(t *testing.T) {
	c := NewCollector()
	c.Observe("10.0.0.1:9000", []byte("a"), 1.0)
	c.Observe("10.0.0.2:9000", []byte("b"), 1.0)
	require.Equal(t, 2, c.Len())
}

func TestNewRecordCopiesPayload(t *testing.T) {
	payload := []byte("mutate-me")
	rec := NewRecord("10.0.0.1:9000", payload, 5.0)
	payload[0] = 'X'
	require.Equal(t, byte('m'), rec.Payload[0], "Record must not alias the caller's slice")
}
