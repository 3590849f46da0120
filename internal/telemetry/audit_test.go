package telemetry_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campus-chat/internal/mocks"
	"campus-chat/internal/telemetry"
)

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := telemetry.NewAuditEmitter(publisher, "audit.chat", "campus-chat", "test", log)

	publisher.On("Publish", mock.Anything, "audit.chat", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.EventType == "audit_log" &&
			env.Service == "campus-chat" &&
			env.UserID == "alice" &&
			env.Payload.Text == "chat created" &&
			env.Payload.Fields["chat_id"] == "c1"
	}), mock.Anything).Return(nil).Once()

	emitter.Emit(context.Background(), "INFO", "chat created", "req-1", "alice", map[string]any{"chat_id": "c1"})

	publisher.AssertExpectations(t)
}

func TestAuditEmitterSwallowsPublishErrors(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := telemetry.NewAuditEmitter(publisher, "audit.chat", "campus-chat", "test", log)

	publisher.On("Publish", mock.Anything, "audit.chat", mock.Anything, mock.Anything).Return(assert.AnError).Once()

	require.NotPanics(t, func() {
		emitter.Emit(context.Background(), "ERROR", "boom", "", "", nil)
	})
	publisher.AssertExpectations(t)
}

func TestNilAuditEmitterIsNoop(t *testing.T) {
	var emitter *telemetry.AuditEmitter
	require.NotPanics(t, func() {
		emitter.Emit(context.Background(), "INFO", "x", "", "", nil)
	})
}
