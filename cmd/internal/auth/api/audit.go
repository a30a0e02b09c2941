package authapi

import (
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// audit writes one security-relevant line per auth decision. Tokens and passwords
// never reach it.
func (h *Handler) audit(r *http.Request, action, userID string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("action", action),
		zap.String("ip", ipString(clientIP(r, h.cfg.TrustProxy))),
		zap.String("user_agent", strings.TrimSpace(r.UserAgent())),
	}
	if userID != "" {
		base = append(base, zap.String("user_id", userID))
	}
	h.log.Info("auth.audit", append(base, fields...)...)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
