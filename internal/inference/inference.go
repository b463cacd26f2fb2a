// Copyright (C) 2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package inference talks to the embedding sidecar. The sidecar hosts the
// face model on the GPU and is NOT safe for concurrent invocation — all
// calls must come through the resource guard. This package only defines
// the wire client and the error taxonomy the rest of the system keys on.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cardinalhq/facerunner/internal/retrier"
)

var (
	// ErrNoFace means the model found no usable face in the input. Fatal
	// for the request, harmless for the resource.
	ErrNoFace = errors.New("inference: no face detected")

	// ErrCorrupted means the model runtime reported an unrecoverable
	// internal fault. Fatal, and it counts toward the corruption streak.
	ErrCorrupted = errors.New("inference: resource corrupted")

	// ErrBadResponse covers malformed sidecar replies.
	ErrBadResponse = errors.New("inference: bad sidecar response")
)

// corruptionMarkers are the model runtime failure modes that indicate the
// loaded model state is damaged and needs a reload, as reported in the
// sidecar's error strings.
var corruptionMarkers = []string{
	"integer overflow",
	"failed to allocate",
	"runtime_exception",
}

// Extractor produces a fixed-size embedding from encoded image bytes.
// Implementations are not required to be safe for concurrent use; the
// guard serializes callers.
type Extractor interface {
	// ExtractEmbedding returns the embedding of the best face in image.
	ExtractEmbedding(ctx context.Context, image []byte) ([]float32, error)

	// Load (re)initializes the model. Called at startup and on reload,
	// always while the caller holds the resource slot.
	Load(ctx context.Context) error
}

// Config locates the sidecar and names the model it should serve.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ModelName string        `mapstructure:"model_name"`
	DetWidth  int           `mapstructure:"det_width"`
	DetHeight int           `mapstructure:"det_height"`
	Dims      int           `mapstructure:"dims"`
}

// DefaultConfig matches the production sidecar defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:8091",
		Timeout:   30 * time.Second,
		ModelName: "antelopev2",
		DetWidth:  640,
		DetHeight: 640,
		Dims:      512,
	}
}

// Client is the HTTP Extractor implementation.
type Client struct {
	cfg Config
	hc  *http.Client
}

var _ Extractor = (*Client)(nil)

// NewClient builds a sidecar client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
	}
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

type loadRequest struct {
	ModelName string `json:"model_name"`
	DetWidth  int    `json:"det_width"`
	DetHeight int    `json:"det_height"`
}

// ExtractEmbedding posts the encoded image to the sidecar and decodes the
// embedding. Sidecar-reported failures are mapped onto the error taxonomy.
func (c *Client) ExtractEmbedding(ctx context.Context, image []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference: sidecar request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("inference: reading sidecar response: %w", err)
	}

	var out embedResponse
	if jerr := json.Unmarshal(body, &out); jerr != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, jerr)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if c.cfg.Dims > 0 && len(out.Embedding) != c.cfg.Dims {
			return nil, fmt.Errorf("%w: got %d dimensions, want %d",
				ErrBadResponse, len(out.Embedding), c.cfg.Dims)
		}
		return out.Embedding, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, ErrNoFace
	default:
		return nil, mapFailure(resp.StatusCode, out.Error)
	}
}

// Load asks the sidecar to (re)initialize the model.
func (c *Client) Load(ctx context.Context) error {
	payload, err := json.Marshal(loadRequest{
		ModelName: c.cfg.ModelName,
		DetWidth:  c.cfg.DetWidth,
		DetHeight: c.cfg.DetHeight,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/model/load", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("inference: sidecar load request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("inference: model load failed: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// mapFailure turns a sidecar failure into the taxonomy: corruption markers
// become ErrCorrupted, everything else stays transient.
func mapFailure(status int, msg string) error {
	lower := strings.ToLower(msg)
	for _, marker := range corruptionMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: status %d: %s", ErrCorrupted, status, msg)
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("inference: sidecar failure: status %d: %s", status, msg)
}

// Classify maps inference-path errors to retry classes: corruption and
// missing faces never retry, everything else (network blips, busy sidecar,
// slot-acquire timeouts) is transient.
func Classify(err error) retrier.Class {
	switch {
	case err == nil:
		return retrier.ClassNone
	case errors.Is(err, ErrCorrupted), errors.Is(err, ErrNoFace):
		return retrier.ClassFatal
	default:
		return retrier.ClassTransient
	}
}

// IsResourceFault reports whether the error implicates the resource itself
// rather than the request's input. Only these count toward the corruption
// streak.
func IsResourceFault(err error) bool {
	return errors.Is(err, ErrCorrupted)
}
