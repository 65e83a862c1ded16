package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rtchat/internal/protocol"
	"github.com/whisper/rtchat/internal/protocol/prototest"
)

type staticLocator struct {
	mu    sync.Mutex
	conns map[string]string
}

func (l *staticLocator) Lookup(userID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[userID]
	return c, ok
}

const testTimeout = 50 * time.Millisecond

func newTestCoordinator() (*Coordinator, *prototest.Recorder) {
	rec := prototest.NewRecorder()
	loc := &staticLocator{conns: map[string]string{"bob": "c-bob"}}
	return NewCoordinator(loc, rec, testTimeout), rec
}

func typingFlags(rec *prototest.Recorder) []bool {
	var out []bool
	for _, s := range rec.OfType(protocol.TypeUserTyping) {
		out = append(out, s.Msg.(protocol.UserTypingMsg).IsTyping)
	}
	return out
}

func TestStart_NotifiesAndExpiresOnce(t *testing.T) {
	c, rec := newTestCoordinator()

	c.Start("alice", "conv", "bob")
	assert.True(t, c.IsTyping("alice", "conv"))

	sent := rec.To("c-bob", protocol.TypeUserTyping)
	require.Len(t, sent, 1)
	msg := sent[0].Msg.(protocol.UserTypingMsg)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, "conv", msg.ConversationID)
	assert.True(t, msg.IsTyping)

	assert.Eventually(t, func() bool { return len(typingFlags(rec)) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.IsTyping("alice", "conv"))

	// No further notifications after the expiry.
	time.Sleep(3 * testTimeout)
	assert.Equal(t, []bool{true, false}, typingFlags(rec))
}

func TestStart_RefreshReplacesTimer(t *testing.T) {
	c, rec := newTestCoordinator()

	for i := 0; i < 5; i++ {
		c.Start("alice", "conv", "bob")
		time.Sleep(testTimeout / 3)
	}
	// Still typing: every refresh cancelled the previous timer.
	assert.True(t, c.IsTyping("alice", "conv"))

	assert.Eventually(t, func() bool { return !c.IsTyping("alice", "conv") }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * testTimeout)
	assert.Equal(t, []bool{true, true, true, true, true, false}, typingFlags(rec))
}

func TestStop_CancelsTimer(t *testing.T) {
	c, rec := newTestCoordinator()

	c.Start("alice", "conv", "bob")
	c.Stop("alice", "conv", "bob")
	assert.False(t, c.IsTyping("alice", "conv"))

	time.Sleep(3 * testTimeout)
	assert.Equal(t, []bool{true, false}, typingFlags(rec))
}

func TestStopAll_ClearsEveryConversation(t *testing.T) {
	c, rec := newTestCoordinator()

	c.Start("alice", "conv-1", "bob")
	c.Start("alice", "conv-2", "bob")
	c.Start("carol", "conv-3", "bob")
	rec.Reset()

	c.StopAll("alice")
	assert.False(t, c.IsTyping("alice", "conv-1"))
	assert.False(t, c.IsTyping("alice", "conv-2"))
	assert.True(t, c.IsTyping("carol", "conv-3"))
	assert.Equal(t, []bool{false, false}, typingFlags(rec))

	c.Stop("carol", "conv-3", "bob")
	time.Sleep(3 * testTimeout)
	assert.Equal(t, []bool{false, false, false}, typingFlags(rec))
}

func TestStart_OfflineReceiverIsDropped(t *testing.T) {
	c, rec := newTestCoordinator()

	c.Start("alice", "conv", "nobody")
	assert.True(t, c.IsTyping("alice", "conv"))
	assert.Empty(t, rec.All())

	assert.Eventually(t, func() bool { return !c.IsTyping("alice", "conv") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.All())
}
