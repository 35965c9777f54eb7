package server

import (
	"net"
	"net/http"
	"strings"
)

// clientIP returns the address of the peer that opened the request,
// preferring the proxy headers X-Real-IP and X-Forwarded-For (first entry)
// over the socket address.
func clientIP(r *http.Request) string {
	if ip := parseForwardedIP(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}
	if forwarded := parseXForwardedFor(r.Header.Get("X-Forwarded-For")); len(forwarded) > 0 {
		return forwarded[0].String()
	}
	if ip := parseForwardedIP(r.RemoteAddr); ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}

func parseXForwardedFor(header string) []net.IP {
	if header == "" {
		return nil
	}

	var out []net.IP
	for _, part := range strings.Split(header, ",") {
		if ip := parseForwardedIP(part); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

func parseForwardedIP(value string) net.IP {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "\"")
	if value == "" || strings.EqualFold(value, "unknown") {
		return nil
	}

	host := value
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end != -1 {
			host = host[1:end]
		}
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.Count(host, ":") > 1 {
		host = strings.Trim(host, "[]")
	}

	if zone := strings.Index(host, "%"); zone != -1 {
		host = host[:zone]
	}
	return net.ParseIP(host)
}
