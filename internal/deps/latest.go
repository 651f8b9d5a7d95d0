package deps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/phpack/phpack/internal/fault"
)

// LatestSource looks up the newest stable version of a package
type LatestSource interface {
	Latest(ctx context.Context, name string) (string, error)
}

// StaticSource serves latest versions from a fixed table
type StaticSource map[string]string

// Latest implements LatestSource
func (s StaticSource) Latest(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fault.New(fault.KindNotFound, "deps.latest", "no version known for %s", name)
	}
	return v, nil
}

// PackagistSource queries the Packagist v2 metadata API
// (<base>/p2/<vendor>/<name>.json). Answers are cached for ttl.
type PackagistSource struct {
	baseURL string
	client  *http.Client
	cache   *expirable.LRU[string, string]
	group   singleflight.Group
}

// NewPackagistSource creates a Packagist client. size bounds the cache.
func NewPackagistSource(baseURL string, size int, ttl time.Duration) *PackagistSource {
	if size < 1 {
		size = 1
	}
	return &PackagistSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		cache:   expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// Latest implements LatestSource
func (p *PackagistSource) Latest(ctx context.Context, name string) (string, error) {
	if v, ok := p.cache.Get(name); ok {
		return v, nil
	}
	v, err, _ := p.group.Do(name, func() (interface{}, error) {
		latest, err := p.fetch(ctx, name)
		if err != nil {
			return "", err
		}
		p.cache.Add(name, latest)
		return latest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// packagistVersion is one entry of the minified p2 payload. Later entries
// only carry changed keys but "version" is always present.
type packagistVersion struct {
	Version string `json:"version"`
}

func (p *PackagistSource) fetch(ctx context.Context, name string) (string, error) {
	if !strings.Contains(name, "/") {
		return "", fault.New(fault.KindNotFound, "deps.latest", "%s is not a Packagist package name", name)
	}
	url := fmt.Sprintf("%s/p2/%s.json", p.baseURL, strings.ToLower(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "phpack (+https://github.com/phpack/phpack)")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fault.Wrapf(fault.KindNetwork, "deps.latest", err, "failed to query packagist for %s", name)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fault.New(fault.KindNotFound, "deps.latest", "package %s not found on packagist", name)
	case resp.StatusCode != http.StatusOK:
		return "", fault.New(fault.KindNetwork, "deps.latest", "packagist returned %s for %s", resp.Status, name)
	}

	var payload struct {
		Packages map[string][]packagistVersion `json:"packages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fault.Wrapf(fault.KindNetwork, "deps.latest", err, "malformed packagist response for %s", name)
	}

	latest := ""
	for _, v := range payload.Packages[strings.ToLower(name)] {
		if !IsStable(v.Version) {
			continue
		}
		if latest == "" || Compare(v.Version, latest) > 0 {
			latest = v.Version
		}
	}
	if latest == "" {
		return "", fault.New(fault.KindNotFound, "deps.latest", "no stable release of %s", name)
	}
	return latest, nil
}
