// Package disguise makes every response look like it came from a stale
// Apache/PHP host. It never decides anything; callers pick the status.
package disguise

import (
	"fmt"
	"html"
	"net/http"
)

const Banner = "Apache/2.2.22 (Unix) PHP/5.4.3"

const poweredBy = "PHP/5.4.3"

// Decorate overwrites identifying headers on h.
func Decorate(h http.Header) {
	h.Set("Server", Banner)
	h.Set("X-Powered-By", poweredBy)
}

var statusTitles = map[int]string{
	http.StatusUnauthorized:        "401 Unauthorized",
	http.StatusForbidden:           "403 Forbidden",
	http.StatusNotFound:            "404 Not Found",
	http.StatusTooManyRequests:     "429 Too Many Requests",
	http.StatusInternalServerError: "500 Internal Server Error",
}

// Reject writes an Apache-style error page carrying reason.
func Reject(w http.ResponseWriter, status int, reason string) {
	title, ok := statusTitles[status]
	if !ok {
		title = fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	if reason == "" {
		reason = http.StatusText(status)
	}
	h := w.Header()
	Decorate(h)
	h.Set("Content-Type", "text/html; charset=iso-8859-1")
	h.Del("Content-Length")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!DOCTYPE HTML PUBLIC \"-//IETF//DTD HTML 2.0//EN\">\n<html><head>\n<title>%s</title>\n</head><body>\n<h1>%s</h1>\n<p>%s</p>\n<hr>\n<address>%s Server Port 80</address>\n</body></html>\n",
		title, html.EscapeString(http.StatusText(status)), html.EscapeString(reason), Banner)
}

func NotFound(w http.ResponseWriter) {
	Reject(w, http.StatusNotFound, "The requested URL was not found on this server.")
}

// Middleware stamps the banner on every response passing through.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Decorate(w.Header())
		next.ServeHTTP(w, r)
	})
}
