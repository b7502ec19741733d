// Package cookiejar keeps upstream cookies server-side, per client session and
// per upstream host.
//
// The jar is a simplified session cache, not an RFC 6265 engine: only the
// name=value pair of each Set-Cookie is kept, and Domain, Path, Expires and
// friends are ignored. Cookies are never shared between hosts.
package cookiejar

import (
	"net/url"
	"strings"
	"sync"
)

// Jar maps session id -> host -> cookie pairs.
type Jar struct {
	mu       sync.Mutex
	sessions map[string]*sessionJar
}

type sessionJar struct {
	mu    sync.Mutex
	hosts map[string]*pairs
}

// pairs is an insertion-ordered set keyed by cookie name.
type pairs struct {
	names  []string
	values map[string]string
}

// New creates an empty Jar.
func New() *Jar {
	return &Jar{sessions: make(map[string]*sessionJar)}
}

func (j *Jar) session(id string, create bool) *sessionJar {
	j.mu.Lock()
	defer j.mu.Unlock()

	s, ok := j.sessions[id]
	if !ok && create {
		s = &sessionJar{hosts: make(map[string]*pairs)}
		j.sessions[id] = s
	}
	return s
}

// RecordSetCookie stores the name=value pair of every Set-Cookie value under
// session and host. A new value for an existing name replaces it in place.
func (j *Jar) RecordSetCookie(session, host string, setCookies []string) {
	if session == "" || host == "" || len(setCookies) == 0 {
		return
	}
	s := j.session(session, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.hosts[host]
	if !ok {
		p = &pairs{values: make(map[string]string)}
		s.hosts[host] = p
	}
	for _, sc := range setCookies {
		name, value, ok := parsePair(sc)
		if !ok {
			continue
		}
		if _, seen := p.values[name]; !seen {
			p.names = append(p.names, name)
		}
		p.values[name] = value
	}
}

// CookieHeaderFor returns the Cookie request header for session and host, or
// "" when nothing is stored.
func (j *Jar) CookieHeaderFor(session, host string) string {
	s := j.session(session, false)
	if s == nil {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.hosts[host]
	if !ok || len(p.names) == 0 {
		return ""
	}
	parts := make([]string, 0, len(p.names))
	for _, name := range p.names {
		parts = append(parts, name+"="+p.values[name])
	}
	return strings.Join(parts, "; ")
}

// Forget drops everything stored for session.
func (j *Jar) Forget(session string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.sessions, session)
}

// Len returns the number of sessions holding cookies.
func (j *Jar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.sessions)
}

// ForSession returns a view of the jar bound to one session.
func (j *Jar) ForSession(id string) *SessionCookies {
	return &SessionCookies{jar: j, id: id}
}

// SessionCookies is the jar as seen by a single session.
type SessionCookies struct {
	jar *Jar
	id  string
}

// CookieHeader returns the Cookie header for host.
func (s *SessionCookies) CookieHeader(host string) string {
	return s.jar.CookieHeaderFor(s.id, host)
}

// Record stores Set-Cookie values received from host.
func (s *SessionCookies) Record(host string, setCookies []string) {
	s.jar.RecordSetCookie(s.id, host, setCookies)
}

// parsePair extracts name and value from a Set-Cookie header value.
func parsePair(setCookie string) (name, value string, ok bool) {
	pair, _, _ := strings.Cut(setCookie, ";")
	name, value, ok = strings.Cut(pair, "=")
	if !ok {
		return "", "", false
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t\r\n,;") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	return name, value, true
}

// HostKey returns the jar key for u: the lower-cased host with the scheme's
// default port removed. Different ports are different hosts.
func HostKey(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}
