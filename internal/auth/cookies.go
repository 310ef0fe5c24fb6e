package auth

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNoCookies is returned when a cookie document parses but holds no usable cookie.
var ErrNoCookies = errors.New("no valid cookies found")

const httpOnlyPrefix = "#HttpOnly_"

// ParseCookies detects the document format (a JSON export or a Netscape cookies.txt)
// and returns the cookies that have not expired at now.
func ParseCookies(data []byte, now time.Time) ([]*http.Cookie, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrNoCookies
	}

	var (
		cookies []*http.Cookie
		err     error
	)
	if trimmed[0] == '[' || trimmed[0] == '{' {
		cookies, err = parseJSONCookies(trimmed)
	} else {
		cookies, err = parseNetscapeCookies(trimmed)
	}
	if err != nil {
		return nil, err
	}

	live := cookies[:0]
	for _, c := range cookies {
		if c.Expires.IsZero() || c.Expires.After(now) {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil, ErrNoCookies
	}
	return live, nil
}

// parseNetscapeCookies reads the tab-separated format written by browser extensions
// and curl: domain, include-subdomains flag, path, secure, expiry, name, value.
func parseNetscapeCookies(data []byte) ([]*http.Cookie, error) {
	var cookies []*http.Cookie

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			httpOnly = true
			line = strings.TrimPrefix(line, httpOnlyPrefix)
		} else if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			return nil, fmt.Errorf("netscape cookies line %d: expected 7 fields, got %d", lineNo, len(fields))
		}

		expiry, err := strconv.ParseInt(strings.TrimSpace(fields[4]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("netscape cookies line %d: invalid expiry %q", lineNo, fields[4])
		}

		c := &http.Cookie{
			Domain:   fields[0],
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "TRUE"),
			Name:     fields[5],
			Value:    strings.Join(fields[6:], "\t"),
			HttpOnly: httpOnly,
		}
		if expiry > 0 {
			c.Expires = time.Unix(expiry, 0)
		}
		if c.Name == "" {
			continue
		}
		cookies = append(cookies, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading netscape cookies: %w", err)
	}
	return cookies, nil
}

// parseJSONCookies accepts an array of cookie objects, as exported by browser
// extensions, or an object wrapping that array under "cookies".
func parseJSONCookies(data []byte) ([]*http.Cookie, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing cookies JSON: invalid document")
	}

	doc := gjson.ParseBytes(data)
	if doc.IsObject() {
		doc = doc.Get("cookies")
		if !doc.IsArray() {
			return nil, fmt.Errorf("parsing cookies JSON: missing \"cookies\" array")
		}
	}

	var cookies []*http.Cookie
	doc.ForEach(func(_, obj gjson.Result) bool {
		name := obj.Get("name").String()
		if name == "" {
			return true
		}
		c := &http.Cookie{
			Name:     name,
			Value:    obj.Get("value").String(),
			Domain:   obj.Get("domain").String(),
			Path:     obj.Get("path").String(),
			Secure:   obj.Get("secure").Bool(),
			HttpOnly: obj.Get("httpOnly").Bool(),
		}
		if c.Path == "" {
			c.Path = "/"
		}

		expires := obj.Get("expirationDate")
		if !expires.Exists() {
			expires = obj.Get("expires")
		}
		if expires.Exists() && !obj.Get("session").Bool() {
			if secs := expires.Float(); secs > 0 {
				whole, frac := math.Modf(secs)
				c.Expires = time.Unix(int64(whole), int64(frac*1e9))
			}
		}
		cookies = append(cookies, c)
		return true
	})
	return cookies, nil
}
