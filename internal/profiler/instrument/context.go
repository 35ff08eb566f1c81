package instrument

import (
	"encoding/base64"
	"net"
	"net/http"
	"sort"
	"strings"
)

const replacementChar = "\uFFFD"

// BuildContext assembles the context stored with a measurement. Path args are merged at the top
// level and override colliding keys.
func BuildContext(r *http.Request, stamp *Stamp, body []byte, xheaders bool) map[string]interface{} {
	protocol := requestProtocol(r, xheaders)
	context := map[string]interface{}{
		"uri":       sanitize(r.RequestURI),
		"version":   sanitize(r.Proto),
		"headers":   headerPairs(r),
		"body":      base64.StdEncoding.EncodeToString(body),
		"remote_ip": sanitize(remoteIp(r, xheaders)),
		"protocol":  protocol,
		"host":      sanitize(r.Host),
		"path":      sanitize(r.URL.Path),
		"arguments": arguments(r),
		"cookies":   cookies(r),
		"full_url":  sanitize(protocol + "://" + r.Host + r.RequestURI),
	}
	if stamp != nil {
		for k, v := range stamp.PathArgs {
			context[sanitize(k)] = sanitize(v)
		}
	}
	return context
}

func sanitize(s string) string {
	return strings.ToValidUTF8(s, replacementChar)
}

// headerPairs returns [name, value] pairs with names sorted and the values of a name in received order.
// The host, which net/http moves out of the header map, is included.
func headerPairs(r *http.Request) [][]string {
	names := make([]string, 0, len(r.Header)+1)
	for name := range r.Header {
		names = append(names, name)
	}
	_, hasHost := r.Header["Host"]
	if r.Host != "" && !hasHost {
		names = append(names, "Host")
	}
	sort.Strings(names)

	pairs := make([][]string, 0, len(names))
	for _, name := range names {
		if name == "Host" && !hasHost {
			pairs = append(pairs, []string{"Host", sanitize(r.Host)})
			continue
		}
		for _, value := range r.Header[name] {
			pairs = append(pairs, []string{sanitize(name), sanitize(value)})
		}
	}
	return pairs
}

func arguments(r *http.Request) map[string][]string {
	result := map[string][]string{}
	for name, values := range r.URL.Query() {
		sanitized := make([]string, 0, len(values))
		for _, v := range values {
			sanitized = append(sanitized, sanitize(v))
		}
		result[sanitize(name)] = sanitized
	}
	return result
}

func cookies(r *http.Request) map[string]string {
	result := map[string]string{}
	for _, cookie := range r.Cookies() {
		result[sanitize(cookie.Name)] = sanitize(cookie.Value)
	}
	return result
}

func remoteIp(r *http.Request, xheaders bool) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if !xheaders {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		if candidate := strings.TrimSpace(hops[len(hops)-1]); net.ParseIP(candidate) != nil {
			ip = candidate
		}
	}
	if realIp := strings.TrimSpace(r.Header.Get("X-Real-Ip")); net.ParseIP(realIp) != nil {
		ip = realIp
	}
	return ip
}

func requestProtocol(r *http.Request, xheaders bool) string {
	protocol := "http"
	if r.TLS != nil {
		protocol = "https"
	}
	if !xheaders {
		return protocol
	}
	header := r.Header.Get("X-Scheme")
	if header == "" {
		header = r.Header.Get("X-Forwarded-Proto")
	}
	if header != "" {
		parts := strings.Split(header, ",")
		candidate := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
		if candidate == "http" || candidate == "https" {
			protocol = candidate
		}
	}
	return protocol
}
