package proxypool

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"
)

const maxBodySize = 1 << 20 // 1 MiB

// Source produces the full proxy address list.
type Source interface {
	Fetch(ctx context.Context) ([]string, error)
}

// HTTPSource fetches the list from a URL.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource returns an HTTPSource with its own client bounded by timeout.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Fetch downloads and parses the proxy list.
func (s *HTTPSource) Fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")
	// Setting Accept-Encoding disables the transport's transparent gzip, so both
	// encodings are decoded below.
	req.Header.Set("Accept-Encoding", "gzip, br")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching proxy list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, s.URL)
	}

	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}

	raw, err := io.ReadAll(io.LimitReader(reader, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(raw) > maxBodySize {
		return nil, fmt.Errorf("response body too large (exceeds %d bytes)", maxBodySize)
	}

	return Parse(raw)
}

// Parse accepts a JSON array of strings, a JSON object with a "proxies" array, or
// newline-separated text. Blank lines and '#' comments are ignored and bare host:port
// entries get an http:// scheme.
func Parse(raw []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var entries []string
	switch trimmed[0] {
	case '[', '{':
		if !gjson.ValidBytes(trimmed) {
			return nil, fmt.Errorf("parsing proxy list JSON: invalid document")
		}
		doc := gjson.ParseBytes(trimmed)
		if doc.IsObject() {
			doc = doc.Get("proxies")
			if !doc.IsArray() {
				return nil, fmt.Errorf("parsing proxy list JSON: missing \"proxies\" array")
			}
		}
		doc.ForEach(func(_, value gjson.Result) bool {
			if value.Type == gjson.String {
				entries = append(entries, value.String())
			}
			return true
		})
	default:
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		for scanner.Scan() {
			entries = append(entries, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading proxy list: %w", err)
		}
	}

	addresses := make([]string, 0, len(entries))
	for _, entry := range entries {
		if addr := normalize(entry); addr != "" {
			addresses = append(addresses, addr)
		}
	}
	return addresses, nil
}

func normalize(entry string) string {
	entry = strings.TrimSpace(entry)
	if entry == "" || strings.HasPrefix(entry, "#") {
		return ""
	}
	if !strings.Contains(entry, "://") {
		entry = "http://" + entry
	}
	return entry
}
