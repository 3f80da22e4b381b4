package qr

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/vguard/internal/vguard/types"
)

// ExpiryLayout is the timestamp format of the payload's "e" field.
const ExpiryLayout = "2006-01-02 15:04:05"

// tokenBytes gives a 256-bit token.
const tokenBytes = 32

// ErrUnparseable is returned by Parse for anything that is not a complete
// visitor QR payload.
var ErrUnparseable = errors.New("qr payload cannot be parsed")

// NewToken returns a random URL-safe token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("NewToken: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// EncodePayload renders p as the compact JSON carried in the QR symbol.
func EncodePayload(p types.QRPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("EncodePayload: %w", err)
	}
	return string(b), nil
}

// Parse decodes a scanned payload. All four fields must be present and the
// expiry must be in ExpiryLayout.
func Parse(raw string) (types.QRPayload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.QRPayload{}, ErrUnparseable
	}

	var p types.QRPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return types.QRPayload{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	switch {
	case p.VisitorID == "":
		return types.QRPayload{}, fmt.Errorf("%w: missing visitor id", ErrUnparseable)
	case p.VisitID == "":
		return types.QRPayload{}, fmt.Errorf("%w: missing visit id", ErrUnparseable)
	case p.Token == "":
		return types.QRPayload{}, fmt.Errorf("%w: missing token", ErrUnparseable)
	case p.Expiry == "":
		return types.QRPayload{}, fmt.Errorf("%w: missing expiry", ErrUnparseable)
	}
	if _, err := time.Parse(ExpiryLayout, p.Expiry); err != nil {
		return types.QRPayload{}, fmt.Errorf("%w: bad expiry %q", ErrUnparseable, p.Expiry)
	}
	return p, nil
}
