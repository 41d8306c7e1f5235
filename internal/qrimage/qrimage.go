// Package qrimage turns token codes into scannable PNG images.
package qrimage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"qrattend/internal/cloudinary"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 512

// Render encodes code as a PNG QR image. size <= 0 uses DefaultSize.
func Render(code string, size int) ([]byte, error) {
	if code == "" {
		return nil, errors.New("qrimage: empty code")
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("qrimage: encode: %w", err)
	}
	return png, nil
}

// Uploader stores a rendered image. *cloudinary.Client satisfies it.
type Uploader interface {
	Upload(ctx context.Context, data []byte, publicID string) (*cloudinary.UploadResult, error)
}

// Publisher renders codes and uploads them.
type Publisher struct {
	up   Uploader
	size int
}

// NewPublisher returns a publisher backed by up.
func NewPublisher(up Uploader, size int) *Publisher {
	return &Publisher{up: up, size: size}
}

// Publish renders code and returns the uploaded image URL. The public id is a
// digest of the code so the code itself never appears in asset names.
func (p *Publisher) Publish(ctx context.Context, code string) (string, error) {
	png, err := Render(code, p.size)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(code))
	res, err := p.up.Upload(ctx, png, hex.EncodeToString(sum[:12]))
	if err != nil {
		return "", err
	}
	if res.SecureURL != "" {
		return res.SecureURL, nil
	}
	return res.URL, nil
}
