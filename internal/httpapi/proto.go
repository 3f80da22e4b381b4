package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
)

// maxRequestBody bounds scan and registration bodies. One base64 camera
// frame is the largest payload a kiosk sends.
const maxRequestBody = 10 << 20

const protobufContentType = "application/x-protobuf"

var protobufMediaTypes = map[string]bool{
	protobufContentType:        true,
	"application/protobuf":     true,
	"application/octet-stream": true,
}

var errBodyTooLarge = errors.New("request body too large")

// isProtobuf reports whether the kiosk sent a protobuf-encoded scan.
// Parameters such as "; proto=google.protobuf.Struct" are ignored.
func isProtobuf(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && protobufMediaTypes[mt]
}

// acceptsProtobuf reports whether the response should be protobuf. An
// explicit Accept header wins; otherwise the reply mirrors the request.
func acceptsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" || accept == "*/*" {
		return isProtobuf(r)
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if protobufMediaTypes[mt] {
			return true
		}
		if mt == "application/json" {
			return false
		}
	}
	return isProtobuf(r)
}

func readProto(r *http.Request, msg proto.Message) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return err
	}
	if len(body) > maxRequestBody {
		return errBodyTooLarge
	}
	return proto.Unmarshal(body, msg)
}

func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
