package providers

import (
	"context"
	"image"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/surface/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/semaphore"
)

const (
	defaultImageryMaximumLevel   = 18
	defaultMaxConcurrentRequests = 6
)

// URLTemplateImageryOptions configures a URLTemplateImageryProvider.
type URLTemplateImageryOptions struct {
	// The URL of the tiles. {z}, {x} and {y} are replaced by the tile
	// indexes, {reverseY} by the y index counted from the south edge and {s}
	// by one of the subdomains.
	URL string

	Subdomains []string

	// Defaults to 18.
	MaximumLevel int

	// Restricts the region where imagery is requested. Defaults to the whole
	// web mercator extent.
	Rectangle orb.Bound

	// The number of HTTP requests running at the same time. Defaults to 6.
	MaxConcurrentRequests int64

	// Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	UserAgent string
}

// URLTemplateImageryProvider fetches web mercator imagery tiles from a tile
// server.
type URLTemplateImageryProvider struct {
	opts      URLTemplateImageryOptions
	scheme    models.WebMercatorTilingScheme
	client    *http.Client
	semaphore *semaphore.Weighted
}

// NewURLTemplateImageryProvider creates an imagery provider that requests
// the tiles at the given URL template. It returns an error typed
// models.ErrTypeConfiguration when the template is invalid.
func NewURLTemplateImageryProvider(opts URLTemplateImageryOptions) (*URLTemplateImageryProvider, error) {
	if err := validateURLTemplate(opts.URL); err != nil {
		return nil, err
	}

	if opts.MaximumLevel <= 0 {
		opts.MaximumLevel = defaultImageryMaximumLevel
	}
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = defaultMaxConcurrentRequests
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}

	return &URLTemplateImageryProvider{
		opts:      opts,
		client:    &http.Client{Transport: opts.Transport},
		semaphore: semaphore.NewWeighted(opts.MaxConcurrentRequests),
	}, nil
}

// Placeholders such as {s} are not valid in a host name.
var sampleURLReplacer = strings.NewReplacer(
	"{s}", "a",
	"{z}", "0",
	"{x}", "0",
	"{y}", "0",
	"{reverseY}", "0",
)

func validateURLTemplate(template string) error {
	for _, p := range []string{"{z}", "{x}"} {
		if !strings.Contains(template, p) {
			return errors.New("url template is missing a placeholder").
				WithType(models.ErrTypeConfiguration).
				WithTag("url", template).
				WithTag("placeholder", p)
		}
	}
	if !strings.Contains(template, "{y}") && !strings.Contains(template, "{reverseY}") {
		return errors.New("url template is missing a placeholder").
			WithType(models.ErrTypeConfiguration).
			WithTag("url", template).
			WithTag("placeholder", "{y}")
	}

	u, err := url.Parse(sampleURLReplacer.Replace(template))
	if err != nil {
		return errors.New("parsing url template failed").
			WithType(models.ErrTypeConfiguration).
			WithTag("url", template).
			Wrap(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url template scheme is not supported").
			WithType(models.ErrTypeConfiguration).
			WithTag("url", template).
			WithTag("scheme", u.Scheme)
	}
	return nil
}

func (p *URLTemplateImageryProvider) TilingScheme() models.TilingScheme {
	return p.scheme
}

func (p *URLTemplateImageryProvider) Rectangle() orb.Bound {
	if p.opts.Rectangle != (orb.Bound{}) {
		return p.opts.Rectangle
	}
	return p.scheme.Rectangle()
}

func (p *URLTemplateImageryProvider) MaximumLevel() int {
	return p.opts.MaximumLevel
}

// TileURL returns the URL of the given tile.
func (p *URLTemplateImageryProvider) TileURL(x, y, level int) string {
	n := p.scheme.NumberOfYTilesAtLevel(level)

	replacements := []string{
		"{z}", strconv.Itoa(level),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{reverseY}", strconv.Itoa(n - 1 - y),
	}
	if len(p.opts.Subdomains) != 0 {
		s := p.opts.Subdomains[(x+y+level)%len(p.opts.Subdomains)]
		replacements = append(replacements, "{s}", s)
	}

	return strings.NewReplacer(replacements...).Replace(p.opts.URL)
}

func (p *URLTemplateImageryProvider) RequestImage(ctx context.Context, x, y, level int) (image.Image, error) {
	if level > p.opts.MaximumLevel {
		return nil, models.ErrOutOfRegion
	}

	tile := maptile.New(uint32(x), uint32(y), maptile.Zoom(level))
	if !tile.Valid() {
		return nil, models.ErrOutOfRegion
	}
	if _, ok := models.Intersection(tile.Bound(), p.Rectangle()); !ok {
		return nil, models.ErrOutOfRegion
	}

	if err := p.semaphore.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.semaphore.Release(1)

	tileURL := p.TileURL(x, y, level)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, errors.New("creating imagery request failed").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("url", tileURL).
			Wrap(err)
	}
	if p.opts.UserAgent != "" {
		req.Header.Set("User-Agent", p.opts.UserAgent)
	}

	res, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New("requesting imagery failed").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("url", tileURL).
			Wrap(err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound,
		res.StatusCode == http.StatusNoContent:
		logs.WithTag("url", tileURL).
			WithTag("status_code", res.StatusCode).
			Debug("imagery tile not served")
		return nil, models.ErrOutOfRegion

	case res.StatusCode != http.StatusOK:
		return nil, errors.New("imagery request rejected").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("url", tileURL).
			WithTag("status_code", res.StatusCode)
	}

	img, err := DecodeImage(res.Body)
	if err != nil {
		return nil, errors.New("reading imagery response failed").
			WithType(models.ErrTypeTileLoadFailure).
			WithTag("url", tileURL).
			Wrap(err)
	}
	return img, nil
}
