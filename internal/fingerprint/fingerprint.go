// Package fingerprint derives the per-request correlation key and resolves
// the apparent client address.
//
// A fingerprint is a heuristic: any client that controls its own headers can
// change it at will. It keys the threat history and nothing else should trust
// it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Size is the length of a fingerprint in hex characters.
const Size = 16

// Build hashes the apparent client and request into a fixed-length key. path
// must not include the query string.
func Build(clientIP, userAgent, method, path string) string {
	h := sha256.New()
	h.Write([]byte(clientIP))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return hex.EncodeToString(h.Sum(nil)[:Size/2])
}

// FromRequest builds the fingerprint of r for the given resolved client IP.
func FromRequest(r *http.Request, clientIP string) string {
	return Build(clientIP, r.UserAgent(), r.Method, r.URL.Path)
}

// ClientIP resolves the client address of r. With trustProxy set the first
// valid entry of X-Forwarded-For wins, then X-Real-IP; the peer address is the
// fallback in every case.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String()
			}
		}
		if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
			if ip := net.ParseIP(xr); ip != nil {
				return ip.String()
			}
		}
	}
	return peerIP(r.RemoteAddr)
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
