package web

import (
	"net/http"
	"strings"

	"timetrace/internal/dnsres"
)

// clientIP derives the vantage-point locality hint for a request: the
// forwarded-for header if it carries a public address of the wanted
// family, then the connection peer, then this server's own outbound
// address. Returns "" only when nothing at all can be determined.
func (s *Server) clientIP(r *http.Request, wantedIPType int) string {
	candidates := []string{}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// first hop is the original client
		parts := strings.Split(fwd, ",")
		candidates = append(candidates, strings.TrimSpace(parts[0]))
	}
	candidates = append(candidates, peerIP(r))

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if ipFamily(c) != wantedIPType {
			continue
		}
		if isPrivateIP(c) {
			continue
		}
		return c
	}
	return s.vantageIP(wantedIPType)
}

// vantageIP is this server's own address of the given family.
func (s *Server) vantageIP(family int) string {
	if family == 6 && s.cfg.VantagePointV6 != "" {
		return s.cfg.VantagePointV6
	}
	if family == 4 && s.cfg.VantagePointV4 != "" {
		return s.cfg.VantagePointV4
	}
	return dnsres.OutboundIP(family)
}

// vantageIPAnyFamily prefers the requested family but settles for the
// other one, the way the server-details endpoint reports itself.
func (s *Server) vantageIPAnyFamily(family int) string {
	if ip := s.vantageIP(family); ip != "" {
		return ip
	}
	other := 4
	if family == 4 {
		other = 6
	}
	return s.vantageIP(other)
}
