package phpruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/samber/lo"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

// IndexEntry is one runtime listed in an index document
type IndexEntry struct {
	Platform types.Platform `json:"platform"`
	Version  string         `json:"version"`
	URL      string         `json:"url"`
	SHA256   string         `json:"sha256"`
	Format   Format         `json:"format,omitempty"`
}

// Index is the document served at the index URL
type Index struct {
	Runtimes []IndexEntry `json:"runtimes"`
}

// IndexSource resolves runtimes from an HTTP JSON index. Relative archive
// URLs are resolved against the index URL.
type IndexSource struct {
	indexURL string
	client   *http.Client
}

// NewIndexSource creates an index source. client may be nil.
func NewIndexSource(indexURL string, client *http.Client) *IndexSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &IndexSource{indexURL: indexURL, client: client}
}

// Name implements Source
func (s *IndexSource) Name() string { return "index" }

// Resolve implements Source
func (s *IndexSource) Resolve(ctx context.Context, platform types.Platform, version string) (Artifact, error) {
	idx, err := s.fetchIndex(ctx)
	if err != nil {
		return Artifact{}, err
	}

	candidates := lo.Filter(idx.Runtimes, func(e IndexEntry, _ int) bool {
		return e.Platform == platform && matchesSelector(e.Version, version)
	})
	best := highestVersion(lo.Map(candidates, func(e IndexEntry, _ int) string { return e.Version }))
	entry, ok := lo.Find(candidates, func(e IndexEntry) bool { return e.Version == best })
	if !ok {
		return Artifact{}, fault.New(fault.KindUnsupportedPlatform, "runtime.resolve",
			"no PHP %s runtime for %s in index", version, platform)
	}

	location, err := s.resolveURL(entry.URL)
	if err != nil {
		return Artifact{}, fault.Wrapf(fault.KindUnsupportedPlatform, "runtime.resolve", err, "bad runtime url %q", entry.URL)
	}
	format := entry.Format
	if format == "" {
		format = formatFromName(entry.URL)
	}
	if !format.IsValid() {
		return Artifact{}, fault.New(fault.KindUnsupportedPlatform, "runtime.resolve",
			"unsupported archive format for %s", entry.URL)
	}

	return Artifact{
		Platform: platform,
		Version:  entry.Version,
		Location: location,
		SHA256:   entry.SHA256,
		Format:   format,
	}, nil
}

func (s *IndexSource) fetchIndex(ctx context.Context) (*Index, error) {
	resp, err := s.get(ctx, s.indexURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var idx Index
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return nil, fault.Wrapf(fault.KindNetwork, "runtime.index", err, "malformed runtime index")
	}
	return &idx, nil
}

func (s *IndexSource) resolveURL(ref string) (string, error) {
	base, err := url.Parse(s.indexURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

// Open implements Source
func (s *IndexSource) Open(ctx context.Context, a Artifact) (io.ReadCloser, int64, error) {
	resp, err := s.get(ctx, a.Location)
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// get classifies transport failures and 5xx as network faults and 4xx as
// an unsupported runtime
func (s *IndexSource) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "phpack")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, "runtime.download", ctx.Err())
		}
		return nil, fault.Wrapf(fault.KindNetwork, "runtime.download", err, "GET %s", rawURL)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, fault.New(fault.KindNetwork, "runtime.download", "GET %s: %s", rawURL, resp.Status)
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, fault.New(fault.KindUnsupportedPlatform, "runtime.download", "GET %s: %s", rawURL, resp.Status)
	}
	return resp, nil
}
