// Package embedding is the boundary to the face-embedding model. The model
// itself is external; this package decodes gate images and talks to it.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

var (
	// ErrNoFace means the image decoded but the model found no face.
	ErrNoFace = errors.New("no face detected")
	// ErrMalformedImage means the bytes are not a decodable image.
	ErrMalformedImage = errors.New("malformed image")
)

// Embedder turns an encoded image into a face embedding.
type Embedder interface {
	Embed(ctx context.Context, img []byte) ([]float64, error)
}

// maxImageBytes bounds a decoded gate frame.
const maxImageBytes = 8 << 20

// DecodeImage accepts a data URL ("data:image/jpeg;base64,...") or bare
// base64 and returns the raw image bytes. The header is checked with
// image.DecodeConfig so garbage is rejected before it reaches the model.
func DecodeImage(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedImage)
	}
	if strings.HasPrefix(s, "data:") {
		_, after, ok := strings.Cut(s, ",")
		if !ok {
			return nil, fmt.Errorf("%w: data URL without payload", ErrMalformedImage)
		}
		s = after
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	if len(raw) > maxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformedImage, len(raw))
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	return raw, nil
}
