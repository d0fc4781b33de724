package observability

import (
	"net"
	"net/http"
	"strings"
)

// DeviceIDFromRequest reads the device id header, falling back to the query
// string since browsers cannot set headers on websocket handshakes.
func DeviceIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-Device-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("device_id")
}

func RequestIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}

func IPFromRequest(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
