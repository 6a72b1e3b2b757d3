package observability

import (
	"net"
	"net/http"
	"strings"

	"market-chat/internal/logger"
)

const (
	deviceIDHeader  = "X-Device-Id"
	requestIDHeader = "X-Request-Id"
)

func DeviceIDFromRequest(r *http.Request) string {
	return r.Header.Get(deviceIDHeader)
}

// RequestIDFromRequest prefers the id the request-id middleware stored in the
// context, which is set even when the client sent none.
func RequestIDFromRequest(r *http.Request) string {
	if id, ok := r.Context().Value(logger.RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get(requestIDHeader)
}

// IPFromRequest returns the first X-Forwarded-For hop, else the remote host.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
