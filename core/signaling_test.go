package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignalFixture(t *testing.T) (*SignalRelay, *streamFixture) {
	fx := newStreamFixture(t, allFlags(), VisPublic)
	fx.goLive(t)
	return NewSignalRelay(fx.registry), fx
}

func Test_SignalRelay_Forward(t *testing.T) {
	rl, fx := newSignalFixture(t)
	alice := fx.viewer(1, "alice")
	bob := fx.viewer(2, "bob")
	require.NoError(t, fx.stream.Join(alice, false))
	require.NoError(t, fx.stream.Join(bob, false))
	recvAll(alice)
	recvAll(bob)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	p := &SignalPayload{To: "bob", StreamID: fx.stream.ID, SDP: sdp}
	require.NoError(t, rl.Relay(KOffer, "alice", fx.stream, p))

	frames := recvAll(bob)
	require.Len(t, frames, 1)
	assert.Equal(t, KOffer, frames[0].Kind)

	var got SignalPayload
	require.NoError(t, json.Unmarshal(frames[0].Data, &got))
	assert.Equal(t, "alice", got.From, "From is stamped with the authenticated sender")
	assert.JSONEq(t, string(sdp), string(got.SDP), "the sdp passes through unparsed")

	assert.Empty(t, recvAll(alice), "the sender gets no echo")
}

func Test_SignalRelay_SpoofedFrom(t *testing.T) {
	rl, fx := newSignalFixture(t)
	alice := fx.viewer(1, "alice")
	bob := fx.viewer(2, "bob")
	require.NoError(t, fx.stream.Join(alice, false))
	require.NoError(t, fx.stream.Join(bob, false))

	p := &SignalPayload{From: "host", To: "bob", StreamID: fx.stream.ID}
	err := rl.Relay(KOffer, "alice", fx.stream, p)
	assert.True(t, IsKind(err, KindForbidden))
}

func Test_SignalRelay_NonParticipant(t *testing.T) {
	rl, fx := newSignalFixture(t)
	alice := fx.viewer(1, "alice")
	require.NoError(t, fx.stream.Join(alice, false))

	t.Run("sender outside the stream", func(t *testing.T) {
		err := rl.Relay(KOffer, "lurker", fx.stream, &SignalPayload{To: "alice", StreamID: fx.stream.ID})
		assert.True(t, IsKind(err, KindForbidden))
	})

	t.Run("target outside the stream", func(t *testing.T) {
		err := rl.Relay(KOffer, "alice", fx.stream, &SignalPayload{To: "lurker", StreamID: fx.stream.ID})
		assert.True(t, IsKind(err, KindForbidden))
	})
}

func Test_SignalRelay_OfflineTarget(t *testing.T) {
	rl, fx := newSignalFixture(t)
	alice := fx.viewer(1, "alice")
	bob := fx.viewer(2, "bob")
	require.NoError(t, fx.stream.Join(alice, false))
	require.NoError(t, fx.stream.Join(bob, false))

	// Bob drops off the stream's connection index.
	fx.registry.Leave(bob, fx.stream.ID)

	t.Run("offer needs a live target", func(t *testing.T) {
		err := rl.Relay(KOffer, "alice", fx.stream, &SignalPayload{To: "bob", StreamID: fx.stream.ID})
		assert.ErrorIs(t, err, ErrPeerOffline)
	})

	t.Run("ice loss is tolerated", func(t *testing.T) {
		err := rl.Relay(KICE, "alice", fx.stream, &SignalPayload{To: "bob", StreamID: fx.stream.ID})
		assert.NoError(t, err)
	})
}

func Test_SignalRelay_HostFallback(t *testing.T) {
	rl, fx := newSignalFixture(t)
	alice := fx.viewer(1, "alice")
	require.NoError(t, fx.stream.Join(alice, false))
	recvAll(fx.host)

	// The host never joined as a viewer, yet answers still reach their
	// connections.
	err := rl.Relay(KAnswer, "alice", fx.stream, &SignalPayload{To: "host", StreamID: fx.stream.ID})
	require.NoError(t, err)

	frames := recvAll(fx.host)
	require.Len(t, frames, 1)
	assert.Equal(t, KAnswer, frames[0].Kind)
}
