package api

import (
	"net"
	"net/http"
	"strings"
)

// resolveGUID derives the tenant GUID from an explicit query parameter
// first, then from the leftmost DNS label of the Host header when the
// host matches the configured tenant-bearing domain.
func resolveGUID(host, queryGUID, tenantDomain string) (string, bool) {
	if queryGUID != "" {
		return strings.ToLower(queryGUID), true
	}
	hostNoPort := stripPort(host)
	if hostNoPort == tenantDomain {
		return "", false
	}
	if strings.HasSuffix(hostNoPort, "."+tenantDomain) {
		label := strings.SplitN(hostNoPort, ".", 2)[0]
		if label == "" {
			return "", false
		}
		return strings.ToLower(label), true
	}
	return "", false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// shouldEnforceOrigin reports whether the tenant-bearing domain's strict
// origin allowlist applies for this Host header.
func shouldEnforceOrigin(host, tenantDomain string) bool {
	hostNoPort := stripPort(host)
	return hostNoPort == tenantDomain || strings.HasSuffix(hostNoPort, "."+tenantDomain)
}

// isAllowedClientOrigin is the strict allowlist applied when the Host
// header matches the tenant-bearing domain. Implementation-defined per
// spec; this relay allows any https origin under the same tenant
// domain, matching the reference relay's intent (browser clients served
// from the product's own domain) without hardcoding a product-specific
// list.
func isAllowedClientOrigin(origin, tenantDomain string) bool {
	origin = strings.TrimSpace(origin)
	lower := strings.ToLower(origin)
	if !strings.HasPrefix(lower, "https://") {
		return false
	}
	rest := origin[len("https://"):]
	host := stripPort(rest)
	host = strings.TrimSuffix(host, "/")
	return host == tenantDomain || strings.HasSuffix(host, "."+tenantDomain)
}

// resolveAllowedPairOrigin returns the origin to echo back on /pair, or
// ("", false) if the request's origin is rejected outright.
func resolveAllowedPairOrigin(host, origin, tenantDomain string) (string, bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" || strings.EqualFold(origin, "null") {
		return "", false
	}
	if shouldEnforceOrigin(host, tenantDomain) {
		if isAllowedClientOrigin(origin, tenantDomain) {
			return origin, true
		}
		return "", false
	}
	lower := strings.ToLower(origin)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return origin, true
	}
	return "", false
}

// resolveRequestIP returns the peer IP used for rate limiting/logging:
// first of X-Forwarded-For, then X-Real-IP, then the TCP peer.
func resolveRequestIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
