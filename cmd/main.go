package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"reflect"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/surface/featureflag"
	"github.com/aukilabs/surface/frame"
	surfacehttp "github.com/aukilabs/surface/http"
	"github.com/aukilabs/surface/models"
	"github.com/aukilabs/surface/providers"
	"github.com/aukilabs/surface/smoketest"
	"github.com/aukilabs/surface/surface"
	swebsocket "github.com/aukilabs/surface/websocket"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The surface version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "surface_info",
		Help:        "Surface information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr                string        `cli:""        env:"SURFACE_ADDR"                  help:"Listening address for the surface API and viewer streams."`
	AdminAddr           string        `cli:""        env:"SURFACE_ADMIN_ADDR"            help:"Admin listening address."`
	PublicEndpoint      string        `cli:""        env:"SURFACE_PUBLIC_ENDPOINT"       help:"The public endpoint where this server is reachable."`
	LogLevel            string        `cli:""        env:"SURFACE_LOG_LEVEL"             help:"Log level (debug|info|warning|error)."`
	LogIndent           bool          `cli:""        env:"SURFACE_LOG_INDENT"            help:"Indent logs."`
	FrameDuration       time.Duration `cli:",hidden" env:"SURFACE_FRAME_DURATION"        help:"The duration of a frame."`
	ClientStatsInterval time.Duration `cli:",hidden" env:"SURFACE_CLIENT_STATS_INTERVAL" help:"The interval between each surface summary sent to viewers."`
	ClientIdleTimeout   time.Duration `cli:",hidden" env:"SURFACE_CLIENT_IDLE_TIMEOUT"   help:"Time until an idle viewer will be disconnected."`
	LogSummaryInterval  time.Duration `cli:",hidden" env:"SURFACE_LOG_SUMMARY_INTERVAL"  help:"The duration between each log summary by connection."`
	Camera              cameraConfig  `cli:""        env:"-"                             help:"Initial camera."`
	Surface             surfaceConfig `cli:",hidden" env:"-"                             help:"Surface configuration."`
	Imagery             imageryConfig `cli:""        env:"-"                             help:"Imagery configuration."`
	Events              eventsConfig  `cli:",hidden" env:"-"                             help:"Event pusher configuration."`
	FeatureFlags        []string      `cli:",hidden" env:"SURFACE_FEATURE_FLAGS"         help:"Comma separated feature flags"`
	Version             bool          `cli:""        env:"-"                             help:"Show version."`
	Help                bool          `cli:""        env:"-"                             help:"Show help."`
}

type cameraConfig struct {
	Longitude      float64 `cli:"" env:"SURFACE_CAMERA_LONGITUDE"       help:"Camera longitude in degrees."`
	Latitude       float64 `cli:"" env:"SURFACE_CAMERA_LATITUDE"        help:"Camera latitude in degrees."`
	Height         float64 `cli:"" env:"SURFACE_CAMERA_HEIGHT"          help:"Camera height above the ellipsoid in meters."`
	FieldOfView    float64 `cli:"" env:"SURFACE_CAMERA_FOV"             help:"Camera vertical field of view in radians."`
	ViewportWidth  int     `cli:"" env:"SURFACE_CAMERA_VIEWPORT_WIDTH"  help:"Viewport width in pixels."`
	ViewportHeight int     `cli:"" env:"SURFACE_CAMERA_VIEWPORT_HEIGHT" help:"Viewport height in pixels."`
}

type surfaceConfig struct {
	MaximumScreenSpaceError float64       `cli:",hidden" env:"SURFACE_MAXIMUM_SCREEN_SPACE_ERROR" help:"The screen-space error in pixels under which a tile is rendered."`
	MaximumLevel            int           `cli:",hidden" env:"SURFACE_MAXIMUM_LEVEL"              help:"The finest terrain level."`
	LoadBudget              int           `cli:",hidden" env:"SURFACE_LOAD_BUDGET"                help:"The number of tile requests issued per frame."`
	MaxInflightRequests     int           `cli:",hidden" env:"SURFACE_MAX_INFLIGHT_REQUESTS"      help:"The number of tile requests waiting for a result at the same time."`
	RequestTimeout          time.Duration `cli:",hidden" env:"SURFACE_REQUEST_TIMEOUT"            help:"The time after which a tile request is canceled."`
	TileCacheSize           int           `cli:",hidden" env:"SURFACE_TILE_CACHE_SIZE"            help:"The number of tiles kept when they are not visited anymore."`
	TileCacheFrames         int64         `cli:",hidden" env:"SURFACE_TILE_CACHE_FRAMES"          help:"The number of frames after which a tile that is not visited is removed."`
	RetryAttempts           int           `cli:",hidden" env:"SURFACE_RETRY_ATTEMPTS"             help:"The number of attempts made to load a tile."`
	RetryBaseDelayFrames    int64         `cli:",hidden" env:"SURFACE_RETRY_BASE_DELAY_FRAMES"    help:"The number of frames before the first retry."`
	RetryMaxDelayFrames     int64         `cli:",hidden" env:"SURFACE_RETRY_MAX_DELAY_FRAMES"     help:"The maximum number of frames between two retries."`
}

type imageryConfig struct {
	URLs                  []string `cli:"" env:"SURFACE_IMAGERY_URLS"                    help:"Comma separated {z}/{x}/{y} imagery URL templates, from bottom to top."`
	Subdomains            []string `cli:"" env:"SURFACE_IMAGERY_SUBDOMAINS"              help:"Comma separated subdomains replacing {s} in URL templates."`
	MaximumLevel          int      `cli:"" env:"SURFACE_IMAGERY_MAXIMUM_LEVEL"           help:"The finest level requested from URL templates."`
	MaxConcurrentRequests int      `cli:"" env:"SURFACE_IMAGERY_MAX_CONCURRENT_REQUESTS" help:"The number of HTTP requests per imagery server."`
	SingleTile            string   `cli:"" env:"SURFACE_IMAGERY_SINGLE_TILE"             help:"A file or URL of an image draped over the whole globe, below the other layers."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"SURFACE_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"SURFACE_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"SURFACE_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"SURFACE_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	conf := config{
		Addr:                ":4000",
		AdminAddr:           ":18190",
		PublicEndpoint:      "http://localhost:4000",
		LogLevel:            logs.InfoLevel.String(),
		FrameDuration:       time.Millisecond * 16,
		ClientStatsInterval: time.Second,
		ClientIdleTimeout:   time.Minute * 5,
		LogSummaryInterval:  time.Minute,
		Camera: cameraConfig{
			Height:         2e7,
			FieldOfView:    math.Pi / 3,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
		},
		Surface: surfaceConfig{
			MaximumScreenSpaceError: 2,
			MaximumLevel:            16,
			LoadBudget:              16,
			MaxInflightRequests:     64,
			RequestTimeout:          time.Second * 30,
			TileCacheSize:           100,
			TileCacheFrames:         300,
			RetryAttempts:           models.DefaultRetryPolicy.MaxAttempts,
			RetryBaseDelayFrames:    models.DefaultRetryPolicy.BaseDelayFrames,
			RetryMaxDelayFrames:     models.DefaultRetryPolicy.MaxDelayFrames,
		},
		Imagery: imageryConfig{
			MaximumLevel:          18,
			MaxConcurrentRequests: 6,
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts a terrain surface server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	transport := metrics.HTTPTransport(http.DefaultTransport)

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     transport,
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "surface",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	featureFlags := featureflag.New(conf.FeatureFlags)
	newImageryProvider := func(req surfacehttp.LayerRequest) (models.ImageryProvider, error) {
		maxLevel := req.MaximumLevel
		if maxLevel == 0 {
			maxLevel = conf.Imagery.MaximumLevel
		}
		subdomains := req.Subdomains
		if len(subdomains) == 0 {
			subdomains = conf.Imagery.Subdomains
		}

		return providers.NewURLTemplateImageryProvider(providers.URLTemplateImageryOptions{
			URL:                   req.URL,
			Subdomains:            subdomains,
			MaximumLevel:          maxLevel,
			MaxConcurrentRequests: int64(conf.Imagery.MaxConcurrentRequests),
			Transport:             transport,
			UserAgent:             fmt.Sprintf("Surface %s", version),
		})
	}

	layers, err := newImageryLayers(conf, transport, newImageryProvider)
	if err != nil {
		logs.Fatal(errors.New("creating imagery layers failed").Wrap(err))
	}

	s, err := surface.New(surface.Options{
		TerrainProvider:         &providers.EllipsoidTerrainProvider{},
		ImageryLayers:           layers,
		MaximumScreenSpaceError: conf.Surface.MaximumScreenSpaceError,
		MaximumLevel:            conf.Surface.MaximumLevel,
		LoadBudget:              conf.Surface.LoadBudget,
		MaxInflightRequests:     conf.Surface.MaxInflightRequests,
		RequestTimeout:          conf.Surface.RequestTimeout,
		TileCacheSize:           conf.Surface.TileCacheSize,
		TileCacheFrames:         conf.Surface.TileCacheFrames,
		RetryPolicy: models.RetryPolicy{
			MaxAttempts:     conf.Surface.RetryAttempts,
			BaseDelayFrames: conf.Surface.RetryBaseDelayFrames,
			MaxDelayFrames:  conf.Surface.RetryMaxDelayFrames,
		},
		FeatureFlags: featureFlags,
	})
	if err != nil {
		logs.Fatal(err)
	}
	defer s.Close()

	// Only read and written on the frame loop goroutine.
	frameState := models.FrameState{
		Camera: conf.Camera.camera(),
	}

	var converged atomic.Bool
	loop := frame.NewLoop(conf.FrameDuration)
	defer loop.Close()

	loop.HandleFrame(func() {
		s.Update(frameState)

		if c := s.Converged(); c != converged.Load() {
			converged.Store(c)
			logs.WithTag("frame", s.FrameNumber()).
				WithTag("tiles", s.Tiles().Len()).
				WithTag("rendered_tiles", s.RenderList().Len()).
				WithTag("converged", c).
				Debug("surface convergence changed")
		}
	})

	setCamera := func(ctx context.Context, c models.Camera) error {
		return loop.Do(ctx, func() {
			frameState.Camera = c
		})
	}

	stats := func(ctx context.Context) (surface.Stats, error) {
		var st surface.Stats
		err := loop.Do(ctx, func() {
			st = s.Stats()
		})
		return st, err
	}

	readinessCheck := converged.Load

	var service http.ServeMux

	api := surfacehttp.SurfaceAPI{
		Surface:            s,
		Do:                 loop.Do,
		SetCamera:          setCamera,
		NewImageryProvider: newImageryProvider,
	}
	api.Register(&service)

	service.Handle("/health", surfacehttp.HandleWithCORS(http.HandlerFunc(surfacehttp.HandleHealthCheck)))
	service.Handle("/version", surfacehttp.HandleWithCORS(http.HandlerFunc(surfacehttp.HandleVersion(version))))
	service.Handle("/ready", surfacehttp.HandleWithCORS(http.HandlerFunc(surfacehttp.HandleReadyCheck(readinessCheck))))

	service.Handle("/stream", websocket.Server{
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			var h swebsocket.Handler = &swebsocket.StreamHandler{
				Stats:               stats,
				SetCamera:           setCamera,
				ClientStatsInterval: conf.ClientStatsInterval,
				ClientIdleTimeout:   conf.ClientIdleTimeout,
			}
			h = swebsocket.HandlerWithLogs(h, conf.LogSummaryInterval)
			h = swebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
			defer h.Close()

			swebsocket.Handle(ctx, conn, h)
		},
	})

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", surfacehttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("/ready", surfacehttp.HandleReadyCheck(readinessCheck))
	admin.HandleFunc("POST /smoke-test", smoketest.HandleSmokeTest(ctx, smoketest.Options{
		Endpoint:  conf.PublicEndpoint,
		UserAgent: fmt.Sprintf("Surface %s", version),
	}))

	go loop.Start(ctx)

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("imagery_layers", layers.Len()).
		WithTag("feature_flags", featureFlags.Flags()).
		Info("starting surface server")

	surfacehttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			surfacehttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)
}

func newImageryLayers(conf config, transport http.RoundTripper, newImageryProvider func(surfacehttp.LayerRequest) (models.ImageryProvider, error)) (*models.ImageryLayerCollection, error) {
	layers := models.NewImageryLayerCollection()

	if conf.Imagery.SingleTile != "" {
		layers.AddImageryProvider(&providers.SingleTileImageryProvider{
			Source:    conf.Imagery.SingleTile,
			Transport: transport,
		})
	}

	for _, u := range conf.Imagery.URLs {
		p, err := newImageryProvider(surfacehttp.LayerRequest{URL: u})
		if err != nil {
			return nil, err
		}
		layers.AddImageryProvider(p)
	}

	return layers, nil
}

func (c cameraConfig) camera() models.Camera {
	return models.Camera{
		Position:       orb.Point{c.Longitude, c.Latitude},
		Height:         c.Height,
		FieldOfViewY:   c.FieldOfView,
		ViewportWidth:  c.ViewportWidth,
		ViewportHeight: c.ViewportHeight,
	}
}

func validateConfig(conf config) error {
	if _, err := url.ParseRequestURI(conf.PublicEndpoint); err != nil {
		return errors.New("invalid public endpoint").Wrap(err)
	}

	if conf.FrameDuration <= 0 {
		return errors.New("frame duration must be positive").
			WithTag("frame_duration", conf.FrameDuration)
	}

	if conf.ClientStatsInterval <= 0 {
		return errors.New("client stats interval must be positive").
			WithTag("client_stats_interval", conf.ClientStatsInterval)
	}

	if conf.LogSummaryInterval <= 0 {
		return errors.New("log summary interval must be positive").
			WithTag("log_summary_interval", conf.LogSummaryInterval)
	}

	c := conf.Camera
	if c.Longitude < -180 || c.Longitude > 180 || c.Latitude < -90 || c.Latitude > 90 {
		return errors.New("camera position is out of range").
			WithTag("longitude", c.Longitude).
			WithTag("latitude", c.Latitude)
	}

	if c.Height <= 0 {
		return errors.New("camera height must be positive").
			WithTag("height", c.Height)
	}

	return nil
}
