package embedding_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/embedding"
)

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeImage_DataURLAndBare(t *testing.T) {
	raw := tinyPNG(t)
	b64 := base64.StdEncoding.EncodeToString(raw)

	for name, in := range map[string]string{
		"data url": "data:image/png;base64," + b64,
		"bare":     b64,
	} {
		got, err := embedding.DecodeImage(in)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if !bytes.Equal(got, raw) {
			t.Errorf("%s: bytes differ", name)
		}
	}
}

func TestDecodeImage_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"not base64":    "%%%",
		"not an image":  base64.StdEncoding.EncodeToString([]byte("hello world")),
		"data url no ,": "data:image/png;base64",
	}
	for name, in := range cases {
		if _, err := embedding.DecodeImage(in); !errors.Is(err, embedding.ErrMalformedImage) {
			t.Errorf("%s: expected ErrMalformedImage, got %v", name, err)
		}
	}
}

func TestHTTPEmbedder_ReturnsVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"face_found": true,
			"embedding":  []float64{0.1, 0.2},
		})
	}))
	defer srv.Close()

	e := embedding.NewHTTPEmbedder(srv.URL, time.Second)
	vec, err := e.Embed(context.Background(), tinyPNG(t))
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[1] != 0.2 {
		t.Errorf("vec = %v", vec)
	}
}

func TestHTTPEmbedder_NoFace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"face_found": false}`))
	}))
	defer srv.Close()

	_, err := embedding.NewHTTPEmbedder(srv.URL, time.Second).Embed(context.Background(), []byte("x"))
	if !errors.Is(err, embedding.ErrNoFace) {
		t.Errorf("expected ErrNoFace, got %v", err)
	}
}

func TestHTTPEmbedder_Unprocessable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := embedding.NewHTTPEmbedder(srv.URL, time.Second).Embed(context.Background(), []byte("x"))
	if !errors.Is(err, embedding.ErrMalformedImage) {
		t.Errorf("expected ErrMalformedImage, got %v", err)
	}
}

func TestHTTPEmbedder_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := embedding.NewHTTPEmbedder(srv.URL, time.Second).Embed(context.Background(), []byte("x"))
	if err == nil || errors.Is(err, embedding.ErrNoFace) || errors.Is(err, embedding.ErrMalformedImage) {
		t.Errorf("expected infrastructure error, got %v", err)
	}
}
