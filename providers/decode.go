package providers

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/surface/models"
	_ "golang.org/x/image/webp"
)

const (
	maxImageSize   = 32 << 20
	maxImagePixels = 8192 * 8192
)

// DecodeImage decodes a PNG, JPEG or WebP raster. Errors are typed
// models.ErrTypeTileLoadFailure.
func DecodeImage(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImageSize+1))
	if err != nil {
		return nil, errors.New("reading image failed").
			WithType(models.ErrTypeTileLoadFailure).
			Wrap(err)
	}
	if len(data) > maxImageSize {
		return nil, errors.New("image is too large").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("max_size", maxImageSize)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New("decoding image header failed").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("size", len(data)).
			Wrap(err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxImagePixels/cfg.Height {
		return nil, errors.New("image dimensions are not supported").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("format", format).
			WithTag("width", cfg.Width).
			WithTag("height", cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New("decoding image failed").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("size", len(data)).
			Wrap(err)
	}

	if b := img.Bounds(); b.Empty() {
		return nil, errors.New("image is empty").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("format", format)
	}
	return img, nil
}
