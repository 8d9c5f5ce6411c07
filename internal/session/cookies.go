package session

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// CookieSink receives expired cookies during logout.
type CookieSink interface {
	Expire(c *http.Cookie)
}

// CookieSinkFunc adapts a function to CookieSink.
type CookieSinkFunc func(c *http.Cookie)

func (f CookieSinkFunc) Expire(c *http.Cookie) { f(c) }

// ResponseCookies expires cookies by writing Set-Cookie headers.
type ResponseCookies struct {
	W http.ResponseWriter
}

func (r ResponseCookies) Expire(c *http.Cookie) {
	http.SetCookie(r.W, c)
}

// DomainVariants lists the cookie domains a cookie for host may have been
// set on: host-only (empty), the host itself, its parent domain, and
// localhost when the host is a loopback address.
func DomainVariants(host string) []string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]."))

	variants := []string{""}
	add := func(d string) {
		for _, v := range variants {
			if v == d {
				return
			}
		}
		variants = append(variants, d)
	}

	if host == "" {
		return variants
	}
	add(host)

	ip := net.ParseIP(host)
	if ip == nil {
		labels := strings.Split(host, ".")
		if len(labels) > 2 {
			add(strings.Join(labels[1:], "."))
		}
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || (ip != nil && ip.IsLoopback()) {
		add("localhost")
	}
	return variants
}

// expireCookies sends an expired copy of every named cookie for every
// domain variant of host.
func expireCookies(sink CookieSink, names []string, host string) int {
	if sink == nil {
		return 0
	}
	n := 0
	for _, name := range names {
		for _, domain := range DomainVariants(host) {
			sink.Expire(&http.Cookie{
				Name:    name,
				Value:   "",
				Path:    "/",
				Domain:  domain,
				MaxAge:  -1,
				Expires: time.Unix(0, 0),
			})
			n++
		}
	}
	return n
}
