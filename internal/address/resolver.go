// Package address determines the origin IP of a request from the peer address
// and an untrusted forwarded-address header.
package address

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"unicode"
)

const DefaultHeader = "X-Forwarded-For"

// Resolve returns the address to treat as the origin of a request. An empty
// string means "absent" for both inputs and the result.
//
// Without a forwarded header the direct address is trusted verbatim. With a
// header, the first comma or whitespace separated token that is a valid IPv4
// dotted quad wins; garbage tokens and out-of-range addresses are skipped.
// If no token validates the result is empty and the caller decides whether to
// fall back to the direct address.
func Resolve(directAddress, forwardedHeader string) string {
	if forwardedHeader == "" {
		return directAddress
	}

	for _, token := range strings.FieldsFunc(forwardedHeader, isSeparator) {
		if IsIPv4(token) {
			return token
		}
	}
	return ""
}

// ResolveRequest applies Resolve to r and falls back to the peer address when
// the header yields no usable token.
func ResolveRequest(r *http.Request, header string) string {
	if r == nil {
		return ""
	}
	if header == "" {
		header = DefaultHeader
	}

	direct := peerHost(r.RemoteAddr)
	if ip := Resolve(direct, r.Header.Get(header)); ip != "" {
		return ip
	}
	return direct
}

// IsIPv4 reports whether token is exactly a dotted quad with every octet in
// [0,255]. Leading zeros, ports, zones and IPv4-mapped IPv6 forms are rejected.
func IsIPv4(token string) bool {
	if len(token) < len("0.0.0.0") || len(token) > len("255.255.255.255") {
		return false
	}
	for _, c := range token {
		if c != '.' && (c < '0' || c > '9') {
			return false
		}
	}

	addr, err := netip.ParseAddr(token)
	if err != nil {
		return false
	}
	return addr.Is4()
}

func isSeparator(r rune) bool {
	return r == ',' || unicode.IsSpace(r)
}

func peerHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
