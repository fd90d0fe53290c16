package providers

import (
	"context"
	"image"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/surface/models"
	"github.com/paulmach/orb"
)

// SingleTileImageryProvider drapes one raster over a rectangle. The raster is
// read from a file or downloaded the first time it is requested.
type SingleTileImageryProvider struct {
	// A file path or an http(s) URL.
	Source string

	// Defaults to the whole globe.
	Region orb.Bound

	// Used for URL sources. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	mutex sync.Mutex
	image image.Image
}

func (p *SingleTileImageryProvider) TilingScheme() models.TilingScheme {
	return models.GeographicTilingScheme{
		NumberOfLevelZeroTilesX: 1,
		NumberOfLevelZeroTilesY: 1,
		Region:                  p.Region,
	}
}

func (p *SingleTileImageryProvider) Rectangle() orb.Bound {
	return p.TilingScheme().Rectangle()
}

func (p *SingleTileImageryProvider) MaximumLevel() int {
	return 0
}

func (p *SingleTileImageryProvider) RequestImage(ctx context.Context, x, y, level int) (image.Image, error) {
	if x != 0 || y != 0 || level != 0 {
		return nil, models.ErrOutOfRegion
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.image != nil {
		return p.image, nil
	}

	img, err := p.load(ctx)
	if err != nil {
		return nil, errors.New("loading single tile imagery failed").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("source", p.Source).
			Wrap(err)
	}

	p.image = img
	return img, nil
}

func (p *SingleTileImageryProvider) load(ctx context.Context) (image.Image, error) {
	if !strings.HasPrefix(p.Source, "http://") && !strings.HasPrefix(p.Source, "https://") {
		f, err := os.Open(p.Source)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		return DecodeImage(f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Source, nil)
	if err != nil {
		return nil, err
	}

	transport := p.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	res, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return nil, errors.New("unexpected status code").
			WithTag("status_code", res.StatusCode)
	}
	return DecodeImage(res.Body)
}
