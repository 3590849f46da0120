package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestIdentity is what a handshake tells us about the caller, attached to
// websocket lifecycle events.
type RequestIdentity struct {
	DeviceID  string
	IP        string
	RequestID string
}

// IdentityFromRequest collects the device, client address and request id of
// r. A request without X-Request-Id gets a fresh one.
func IdentityFromRequest(r *http.Request) RequestIdentity {
	requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return RequestIdentity{
		DeviceID:  strings.TrimSpace(r.Header.Get("X-Device-Id")),
		IP:        ClientIP(r),
		RequestID: requestID,
	}
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-Ip, then the
// socket peer.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
