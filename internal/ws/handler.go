package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"campus-chat/internal/apperr"
	"campus-chat/internal/auth"
	"campus-chat/internal/observability"
)

// Handler authenticates websocket handshakes and hands the connection to
// the manager.
type Handler struct {
	manager  *Manager
	verifier auth.Verifier
	baseCtx  context.Context
}

// NewHandler constructs a Handler. Sessions outlive the request, so they
// run under baseCtx.
func NewHandler(baseCtx context.Context, manager *Manager, verifier auth.Verifier) *Handler {
	return &Handler{manager: manager, verifier: verifier, baseCtx: baseCtx}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle rejects bad credentials with a plain 401 before upgrading.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("campus-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	userID, err := h.authenticate(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unauthorized")
		observability.IncWSEvent("connection", apperr.CodeUnauthorized)
		c.JSON(http.StatusUnauthorized, gin.H{"code": apperr.CodeUnauthorized, "error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		return
	}

	caller := observability.IdentityFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    caller.DeviceID,
		IP:          caller.IP,
		RequestID:   caller.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	session := h.manager.NewSession(conn, info)
	observability.IncWSEvent("connection", "opened")

	sessionCtx := trace.ContextWithSpanContext(h.baseCtx, span.SpanContext())
	publishLifecycle(sessionCtx, "ws_connect", info, "")
	go h.manager.Serve(sessionCtx, session)
}

func (h *Handler) authenticate(ctx context.Context, c *gin.Context) (string, error) {
	token, err := auth.ExtractBearer(c.GetHeader("Authorization"), c.Query("token"))
	if err != nil {
		return "", err
	}
	return h.verifier.Verify(ctx, token)
}
