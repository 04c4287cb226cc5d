package pypi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DefaultTopPackagesURL is the monthly download ranking of PyPI projects.
const DefaultTopPackagesURL = "https://hugovk.github.io/top-pypi-packages/top-pypi-packages-30-days.min.json"

// WithTopPackagesURL replaces the download ranking source.
func WithTopPackagesURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.topURL = u
		}
	}
}

// RankedPackage is one entry of the download ranking.
type RankedPackage struct {
	Name      string
	Downloads int64
}

type topRow struct {
	Project       string          `json:"project"`
	DownloadCount json.RawMessage `json:"download_count"`
}

// downloads accepts both a plain count and the older nested
// {"project": ..., "download_count": n} shape.
func (r topRow) downloads() (string, int64) {
	var n int64
	if err := json.Unmarshal(r.DownloadCount, &n); err == nil {
		return r.Project, n
	}
	var nested struct {
		Project       string `json:"project"`
		DownloadCount int64  `json:"download_count"`
	}
	if err := json.Unmarshal(r.DownloadCount, &nested); err == nil {
		name := r.Project
		if name == "" {
			name = nested.Project
		}
		return name, nested.DownloadCount
	}
	return r.Project, 0
}

// TopPackages returns the n most downloaded projects, most downloaded
// first. A non-positive n returns the whole ranking.
func (c *Client) TopPackages(ctx context.Context, n int) ([]RankedPackage, error) {
	resp, err := c.get(ctx, c.topURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("top packages: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Rows []topRow `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding top packages: %w", err)
	}
	rows := doc.Rows
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	out := make([]RankedPackage, 0, len(rows))
	for _, row := range rows {
		name, downloads := row.downloads()
		if name == "" {
			continue
		}
		out = append(out, RankedPackage{Name: name, Downloads: downloads})
	}
	c.logger.Debug("fetched top packages", "requested", n, "returned", len(out))
	return out, nil
}
