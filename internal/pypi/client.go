// Package pypi fetches source distributions from a PyPI-compatible index.
package pypi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/kalambet/lazarus/internal/pipeline"
)

// DefaultBaseURL is the public index.
const DefaultBaseURL = "https://pypi.org"

// sdistSuffixes are the archive formats the fetcher can unpack.
var sdistSuffixes = []string{".tar.gz", ".tgz", ".zip"}

// Client talks to the simple and JSON APIs of an index.
type Client struct {
	baseURL    string
	topURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxSize    int64
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps requests per second against the index. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxArchiveSize rejects archives (and their unpacked contents) larger
// than n bytes.
func WithMaxArchiveSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client for the index at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		topURL:     DefaultTopPackagesURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		maxSize:    256 << 20,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Distribution is one file listed on a project's simple page.
type Distribution struct {
	Filename string
	URL      string
	SHA256   string
	Yanked   bool
}

// ListFiles returns the files on the simple page of pkg.
func (c *Client) ListFiles(ctx context.Context, pkg string) ([]Distribution, error) {
	page := c.baseURL + "/simple/" + pipeline.NormalizeName(pkg) + "/"
	resp, err := c.get(ctx, page)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("project %s: %w", pkg, pipeline.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("simple index for %s: unexpected status %d", pkg, resp.StatusCode)
	}

	base, err := url.Parse(page)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing simple index for %s: %w", pkg, err)
	}
	return collectLinks(doc, base), nil
}

func collectLinks(doc *html.Node, base *url.URL) []Distribution {
	var out []Distribution
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if d, ok := parseAnchor(n, base); ok {
				out = append(out, d)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return out
}

func parseAnchor(n *html.Node, base *url.URL) (Distribution, bool) {
	var d Distribution
	var href string
	for _, a := range n.Attr {
		switch a.Key {
		case "href":
			href = a.Val
		case "data-yanked":
			d.Yanked = true
		}
	}
	if href == "" {
		return d, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return d, false
	}
	if h, ok := strings.CutPrefix(ref.Fragment, "sha256="); ok {
		d.SHA256 = strings.ToLower(h)
	}
	ref.Fragment = ""
	u := base.ResolveReference(ref)
	d.URL = u.String()
	d.Filename = path.Base(u.Path)
	return d, true
}

// FindSdist picks the source archive of version from the project's files.
// Yanked files are ignored.
func (c *Client) FindSdist(ctx context.Context, pkg, version string) (Distribution, error) {
	files, err := c.ListFiles(ctx, pkg)
	if err != nil {
		return Distribution{}, err
	}
	want := pipeline.NormalizeName(pkg) + "-" + version
	for _, f := range files {
		if f.Yanked {
			continue
		}
		stem, ok := trimSdistSuffix(f.Filename)
		if !ok {
			continue
		}
		name, ver, ok := splitStem(stem)
		if ok && pipeline.NormalizeName(name)+"-"+ver == want {
			return f, nil
		}
	}
	return Distribution{}, fmt.Errorf("sdist for %s==%s: %w", pkg, version, pipeline.ErrNotFound)
}

func trimSdistSuffix(name string) (string, bool) {
	for _, s := range sdistSuffixes {
		if strings.HasSuffix(name, s) {
			return strings.TrimSuffix(name, s), true
		}
	}
	return "", false
}

// splitStem splits "name-version" at the last dash.
func splitStem(stem string) (string, string, bool) {
	i := strings.LastIndexByte(stem, '-')
	if i <= 0 || i == len(stem)-1 {
		return "", "", false
	}
	return stem[:i], stem[i+1:], true
}

// projectInfo mirrors the part of GET /pypi/<name>/json we use.
type projectInfo struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
}

// LatestVersion returns the newest release of pkg from the JSON API.
func (c *Client) LatestVersion(ctx context.Context, pkg string) (string, error) {
	resp, err := c.get(ctx, c.baseURL+"/pypi/"+url.PathEscape(pkg)+"/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("project %s: %w", pkg, pipeline.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata for %s: unexpected status %d", pkg, resp.StatusCode)
	}

	var info projectInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decoding metadata for %s: %w", pkg, err)
	}
	if info.Info.Version == "" {
		return "", fmt.Errorf("metadata for %s has no version", pkg)
	}
	return info.Info.Version, nil
}

// Fetch downloads the sdist of pkg==version into dest and unpacks it there.
// It returns the directory holding the project sources.
func (c *Client) Fetch(ctx context.Context, pkg, version, dest string) (string, error) {
	dist, err := c.FindSdist(ctx, pkg, version)
	if err != nil {
		return "", err
	}

	archive := filepath.Join(dest, dist.Filename)
	if err := c.download(ctx, dist, archive); err != nil {
		return "", err
	}
	defer os.Remove(archive)

	src := filepath.Join(dest, "src")
	if err := Extract(archive, src, c.maxSize); err != nil {
		return "", fmt.Errorf("unpacking %s: %w", dist.Filename, err)
	}
	root, err := projectRoot(src)
	if err != nil {
		return "", err
	}
	c.logger.Debug("fetched sdist", "package", pkg, "version", version, "file", dist.Filename)
	return root, nil
}

func (c *Client) download(ctx context.Context, dist Distribution, target string) error {
	resp, err := c.get(ctx, dist.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("downloading %s: %w", dist.Filename, pipeline.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %d", dist.Filename, resp.StatusCode)
	}

	f, err := os.Create(target)
	if err != nil {
		return err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(resp.Body, c.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("downloading %s: %w", dist.Filename, err)
	}
	if n > c.maxSize {
		return fmt.Errorf("downloading %s: archive exceeds %d bytes", dist.Filename, c.maxSize)
	}
	if dist.SHA256 != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != dist.SHA256 {
			return fmt.Errorf("downloading %s: sha256 mismatch: got %s, want %s", dist.Filename, got, dist.SHA256)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", u, err)
	}
	return resp, nil
}

// projectRoot returns the single top-level directory of an unpacked sdist,
// or dir itself when the archive was flat.
func projectRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}
