package direct

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/lyzr/sendanywhere/cmd/sendanywhere/engine"
	"github.com/lyzr/sendanywhere/common/apperr"
	"github.com/lyzr/sendanywhere/common/clients"
	"github.com/lyzr/sendanywhere/common/manifest"
)

// Discover browses for a sender advertising code and returns a fetcher for
// the first advertised address that answers. It gives up when ctx ends.
func (t *Transport) Discover(ctx context.Context, code string) (engine.ChunkFetcher, error) {
	browse := t.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := browse(bctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, fmt.Errorf("no sender for %s on the local network", code)
			}
			if entry == nil || txtValue(entry.Text, "code") != code {
				continue
			}
			for _, base := range t.baseURLs(entry) {
				f := &Fetcher{baseURL: base, code: code, http: t.http}
				if _, err := f.Manifest(ctx); err != nil {
					t.log.Debug("advertised address unreachable", "url", base, "error", err)
					continue
				}
				return f, nil
			}

		case <-ctx.Done():
			return nil, fmt.Errorf("no sender for %s on the local network: %w", code, ctx.Err())
		}
	}
}

func txtValue(text []string, key string) string {
	for _, kv := range text {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}

// baseURLs lists the advertised addresses worth dialing, IPv4 first
func (t *Transport) baseURLs(entry *zeroconf.ServiceEntry) []string {
	ips := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)

	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if err := checkLocalAddress(ip); err != nil {
			t.log.Debug("skipping advertised address", "error", err)
			continue
		}
		host := ip.String()
		if ip.To4() == nil && ip.IsLinkLocalUnicast() {
			// A link-local IPv6 address needs a zone the browse result does not carry
			continue
		}
		out = append(out, "http://"+net.JoinHostPort(host, strconv.Itoa(entry.Port)))
	}
	return out
}

// Fetcher downloads chunks from a sender's chunk server
type Fetcher struct {
	baseURL string
	code    string
	http    *clients.HTTPClient
}

func (f *Fetcher) url(parts ...string) string {
	return f.baseURL + "/transfers/" + url.PathEscape(f.code) + "/" + strings.Join(parts, "/")
}

// Manifest fetches the manifest the sender is serving
func (f *Fetcher) Manifest(ctx context.Context) (*manifest.Manifest, error) {
	var m manifest.Manifest
	if err := f.http.DoJSON(ctx, http.MethodGet, f.url("manifest"), nil, &m); err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	return &m, nil
}

// FetchChunk downloads one chunk, checking it against the hash header
func (f *Fetcher) FetchChunk(ctx context.Context, index int) ([]byte, error) {
	resp, err := f.http.DoRequest(ctx, http.MethodGet, f.url("chunks", strconv.Itoa(index)), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", index, err)
	}
	defer resp.Body.Close()

	if err := clients.CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", index, err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, err, "read chunk %d", index)
	}
	if want := resp.Header.Get(clients.HeaderContentSHA256); want != "" && !strings.EqualFold(want, manifest.Checksum(data)) {
		return nil, apperr.New(apperr.CodeIntegrityMismatch, "chunk %d: body does not match its hash header", index)
	}
	return data, nil
}
