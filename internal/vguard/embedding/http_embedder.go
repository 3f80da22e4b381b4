package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEmbedder calls an external model service:
//
//	POST {url}  {"image": "<base64>"}
//	200         {"face_found": true, "embedding": [..]}
//	422         image could not be decoded by the model
type HTTPEmbedder struct {
	url    string
	client *http.Client
}

func NewHTTPEmbedder(url string, timeout time.Duration) *HTTPEmbedder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEmbedder{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Image string `json:"image"`
}

type embedResponse struct {
	FaceFound bool      `json:"face_found"`
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, img []byte) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Image: base64.StdEncoding.EncodeToString(img)})
	if err != nil {
		return nil, fmt.Errorf("Embed marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, ErrMalformedImage
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("Embed: model service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out embedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("Embed decode: %w", err)
	}
	if !out.FaceFound || len(out.Embedding) == 0 {
		return nil, ErrNoFace
	}
	return out.Embedding, nil
}
