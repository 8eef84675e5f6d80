// Package objectstore uploads finished recording artifacts to a
// content-addressed store and returns the resulting CID plus a gateway URL
// the proctoring dashboard can stream the artifact back from.
package objectstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
)

// Config holds the IPFS HTTP API endpoints the client talks to.
type Config struct {
	APIURL     string // e.g. http://127.0.0.1:5001
	GatewayURL string // e.g. http://127.0.0.1:8080
	Timeout    time.Duration
}

// Client uploads files to an IPFS node's HTTP add API.
type Client struct {
	cfg    Config
	httpc  *http.Client
}

// NewClient builds an object store client. Returns nil if cfg.APIURL is
// empty, meaning the caller should treat content storage as disabled rather
// than construct a client that always errors.
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{cfg: cfg, httpc: &http.Client{Timeout: cfg.Timeout}}
}

type addResponse struct {
	Hash string `json:"Hash"`
}

// Upload posts the file at path to the node's /api/v0/add endpoint and
// returns the resulting CID (validated by parsing it) and a gateway URL
// built from it.
func (c *Client) Upload(path string) (cidStr, gatewayURL string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("objectstore: open %s: %w", path, err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", "", fmt.Errorf("objectstore: create form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", "", fmt.Errorf("objectstore: copy file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", "", fmt.Errorf("objectstore: close writer: %w", err)
	}

	url := strings.TrimRight(c.cfg.APIURL, "/") + "/api/v0/add"
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return "", "", fmt.Errorf("objectstore: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("objectstore: add request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("objectstore: add returned status %d", resp.StatusCode)
	}

	var parsed addResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("objectstore: decode response: %w", err)
	}

	parsedCID, err := cid.Decode(parsed.Hash)
	if err != nil {
		return "", "", fmt.Errorf("objectstore: invalid cid %q: %w", parsed.Hash, err)
	}
	cidStr = parsedCID.String()
	gatewayURL = strings.TrimRight(c.cfg.GatewayURL, "/") + "/ipfs/" + cidStr
	return cidStr, gatewayURL, nil
}
