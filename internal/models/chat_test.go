package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParticipantKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, ParticipantKey("b", "a"), ParticipantKey("a", "b"))
	assert.Equal(t, "1#a:1#b", ParticipantKey("b", "a", "b"))
}

func TestParticipantKeyKeepsSeparatorInIDsDistinct(t *testing.T) {
	assert.NotEqual(t, ParticipantKey("a", "b:c"), ParticipantKey("a:b", "c"))
	assert.NotEqual(t, ParticipantKey("1#a", "b"), ParticipantKey("1#a:1#b"))
	assert.Equal(t, "3#a:b:1#c", ParticipantKey("c", "a:b"))
}

func TestChatHasParticipant(t *testing.T) {
	chat := Chat{Participants: []string{"a", "b"}}
	assert.True(t, chat.HasParticipant("a"))
	assert.False(t, chat.HasParticipant("c"))
}

func TestMessageBeforeBreaksTiesBySeq(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	first := Message{Seq: 1, CreatedAt: ts}
	second := Message{Seq: 2, CreatedAt: ts}
	later := Message{Seq: 0, CreatedAt: ts.Add(time.Millisecond)}

	assert.True(t, first.Before(second))
	assert.False(t, second.Before(first))
	assert.True(t, second.Before(later))
}
