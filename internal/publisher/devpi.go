package publisher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/lazarus/internal/pipeline"
)

// Devpi uploads distributions to one devpi index using devpi's login
// protocol: POST /+login returns a session token which is then sent in the
// X-Devpi-Auth header.
type Devpi struct {
	baseURL    string
	index      string
	user       string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// DevpiConfig holds the connection settings of a Devpi publisher.
type DevpiConfig struct {
	URL      string
	Index    string
	User     string
	Password string
	Timeout  time.Duration
}

// NewDevpi creates a devpi publisher.
func NewDevpi(cfg DevpiConfig, logger *slog.Logger) *Devpi {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Devpi{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		index:      strings.Trim(cfg.Index, "/"),
		user:       cfg.User,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type loginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type loginResponse struct {
	Result struct {
		Password   string `json:"password"`
		Expiration int64  `json:"expiration"`
	} `json:"result"`
}

// Login exchanges the configured password for a session token.
func (d *Devpi) Login(ctx context.Context) (pipeline.Credentials, error) {
	body, err := json.Marshal(loginRequest{User: d.user, Password: d.password})
	if err != nil {
		return pipeline.Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/+login", bytes.NewReader(body))
	if err != nil {
		return pipeline.Credentials{}, fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return pipeline.Credentials{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return pipeline.Credentials{}, fmt.Errorf("login as %s: unexpected status %d: %s", d.user, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return pipeline.Credentials{}, fmt.Errorf("decoding login response: %w", err)
	}
	if lr.Result.Password == "" {
		return pipeline.Credentials{}, errors.New("login response carried no token")
	}
	return pipeline.Credentials{User: d.user, Token: lr.Result.Password}, nil
}

// Upload posts every artifact file to the index. A file that already
// exists on the index (409) counts as uploaded. Rejected credentials
// yield pipeline.ErrAuthExpired.
func (d *Devpi) Upload(ctx context.Context, arts pipeline.Artifacts, creds pipeline.Credentials) error {
	for _, path := range arts.Files {
		if err := d.uploadFile(ctx, arts, path, creds); err != nil {
			return err
		}
	}
	return nil
}

func (d *Devpi) uploadFile(ctx context.Context, arts pipeline.Artifacts, path string, creds pipeline.Credentials) error {
	name := filepath.Base(path)
	body, contentType, err := uploadForm(arts, path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/"+d.index+"/", body)
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Devpi-Auth", authHeader(creds))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		d.logger.Info("uploaded", "file", name, "index", d.index)
		return nil
	case resp.StatusCode == http.StatusConflict:
		d.logger.Info("already on index", "file", name, "index", d.index)
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &pipeline.UploadError{File: name, Status: resp.StatusCode, Err: pipeline.ErrAuthExpired}
	default:
		return &pipeline.UploadError{File: name, Status: resp.StatusCode,
			Err: fmt.Errorf("rejected: %s", strings.TrimSpace(string(msg)))}
	}
}

// authHeader encodes credentials the way devpi-server decodes them.
func authHeader(c pipeline.Credentials) string {
	return base64.StdEncoding.EncodeToString([]byte(c.User + ":" + c.Token))
}

// uploadForm builds the legacy upload form: every field is a multipart
// part and the distribution goes in "content".
func uploadForm(arts pipeline.Artifacts, path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{":action", "file_upload"},
		{"protocol_version", "1"},
		{"name", arts.Package},
		{"version", arts.Version},
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("content", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
