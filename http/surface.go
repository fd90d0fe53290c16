package http

import (
	"context"
	"io"
	"math"
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/surface/frame"
	"github.com/aukilabs/surface/models"
	"github.com/aukilabs/surface/surface"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/segmentio/encoding/json"
)

const (
	errTypeBadRequest = "bad_request"

	maxRequestBodySize = 1 << 20
)

// SurfaceAPI serves the state of a surface and lets clients edit its imagery
// layers and move its camera.
type SurfaceAPI struct {
	// The surface. It is only read and mutated within Do.
	Surface *surface.Surface

	// Runs f on the goroutine that updates the surface.
	Do func(ctx context.Context, f func()) error

	// Moves the camera used to update the surface.
	SetCamera func(ctx context.Context, c models.Camera) error

	// Creates the provider of the layers added with POST /layers.
	NewImageryProvider func(req LayerRequest) (models.ImageryProvider, error)
}

// Register registers the API handlers on the given mux.
func (a *SurfaceAPI) Register(mux *http.ServeMux) {
	mux.Handle("GET /tiles", HandleWithCORS(http.HandlerFunc(a.HandleTiles)))
	mux.Handle("GET /stats", HandleWithCORS(http.HandlerFunc(a.HandleStats)))
	mux.Handle("GET /layers", HandleWithCORS(http.HandlerFunc(a.HandleLayers)))
	mux.Handle("POST /layers", HandleWithCORS(http.HandlerFunc(a.HandleAddLayer)))
	mux.Handle("POST /layers/{id}", HandleWithCORS(http.HandlerFunc(a.HandleLayerAction)))
	mux.Handle("POST /camera", HandleWithCORS(http.HandlerFunc(a.HandleCamera)))
}

// HandleTiles responds with the tiles selected by the last update as a
// GeoJSON feature collection.
func (a *SurfaceAPI) HandleTiles(w http.ResponseWriter, r *http.Request) {
	fc := geojson.NewFeatureCollection()

	err := a.Do(r.Context(), func() {
		for _, t := range a.Surface.RenderList().Tiles() {
			f := geojson.NewFeature(t.Extent.ToPolygon())
			f.ID = t.Key.String()
			f.Properties["x"] = t.Key.X
			f.Properties["y"] = t.Key.Y
			f.Properties["level"] = t.Key.Level
			f.Properties["state"] = t.State.String()
			f.Properties["texture_count"] = t.TextureCount()
			f.Properties["substitute"] = t.Substitute
			fc.Append(f)
		}
	})
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/geo+json")
	respond(w, http.StatusOK, fc)
}

// HandleStats responds with the surface summary.
func (a *SurfaceAPI) HandleStats(w http.ResponseWriter, r *http.Request) {
	var stats surface.Stats

	err := a.Do(r.Context(), func() {
		stats = a.Surface.Stats()
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

// LayerResponse describes an imagery layer.
type LayerResponse struct {
	ID           string     `json:"id"`
	Index        int        `json:"index"`
	Show         bool       `json:"show"`
	Alpha        float64    `json:"alpha"`
	MaximumLevel int        `json:"maximum_level"`
	Rectangle    [4]float64 `json:"rectangle"`
	ImageryCount int        `json:"imagery_count"`
}

func newLayerResponse(l *models.ImageryLayer, index int) LayerResponse {
	rect := l.ValidRectangle()

	return LayerResponse{
		ID:           l.ID,
		Index:        index,
		Show:         l.Show(),
		Alpha:        l.Alpha(),
		MaximumLevel: l.Provider.MaximumLevel(),
		Rectangle:    [4]float64{rect.Left(), rect.Bottom(), rect.Right(), rect.Top()},
		ImageryCount: l.ImageryCount(),
	}
}

// HandleLayers responds with the imagery layers, from bottom to top.
func (a *SurfaceAPI) HandleLayers(w http.ResponseWriter, r *http.Request) {
	var res []LayerResponse

	err := a.Do(r.Context(), func() {
		for i, l := range a.Surface.ImageryLayers().Layers() {
			res = append(res, newLayerResponse(l, i))
		}
	})
	if err != nil {
		respondError(w, err)
		return
	}

	if res == nil {
		res = []LayerResponse{}
	}
	respond(w, http.StatusOK, res)
}

// LayerRequest is the body of a request to add an imagery layer.
type LayerRequest struct {
	URL          string   `json:"url"`
	Subdomains   []string `json:"subdomains,omitempty"`
	MaximumLevel int      `json:"maximum_level,omitempty"`

	// The position of the layer. Nil adds the layer on top.
	Index *int `json:"index,omitempty"`
}

// HandleAddLayer adds an imagery layer.
func (a *SurfaceAPI) HandleAddLayer(w http.ResponseWriter, r *http.Request) {
	var req LayerRequest
	if err := decodeRequest(r, &req); err != nil {
		respondError(w, err)
		return
	}

	if a.NewImageryProvider == nil {
		respondError(w, errors.New("adding imagery layers is not supported").
			WithType(errTypeBadRequest))
		return
	}

	p, err := a.NewImageryProvider(req)
	if err != nil {
		respondError(w, err)
		return
	}

	var res LayerResponse
	var addErr error

	err = a.Do(r.Context(), func() {
		layers := a.Surface.ImageryLayers()
		l := models.NewImageryLayer(p)

		if req.Index == nil {
			layers.Add(l)
		} else if err := layers.AddAt(l, *req.Index); err != nil {
			addErr = errors.New("adding imagery layer failed").
				WithType(errTypeBadRequest).
				Wrap(err)
			return
		}
		res = newLayerResponse(l, layers.IndexOf(l))
	})
	if err == nil {
		err = addErr
	}
	if err != nil {
		respondError(w, err)
		return
	}

	logs.WithTag("layer_id", res.ID).
		WithTag("url", req.URL).
		WithTag("index", res.Index).
		Info("imagery layer added")
	respond(w, http.StatusCreated, res)
}

// Layer actions.
const (
	LayerActionRaise  = "raise"
	LayerActionLower  = "lower"
	LayerActionTop    = "top"
	LayerActionBottom = "bottom"
	LayerActionShow   = "show"
	LayerActionHide   = "hide"
	LayerActionAlpha  = "alpha"
	LayerActionRemove = "remove"
)

// LayerActionRequest is the body of a request to edit an imagery layer.
type LayerActionRequest struct {
	Action string `json:"action"`

	// Required by the alpha action.
	Alpha *float64 `json:"alpha,omitempty"`
}

// HandleLayerAction moves, shows, hides or removes the imagery layer whose id
// is in the request path.
func (a *SurfaceAPI) HandleLayerAction(w http.ResponseWriter, r *http.Request) {
	var req LayerActionRequest
	if err := decodeRequest(r, &req); err != nil {
		respondError(w, err)
		return
	}

	switch req.Action {
	case LayerActionRaise, LayerActionLower, LayerActionTop, LayerActionBottom,
		LayerActionShow, LayerActionHide, LayerActionAlpha, LayerActionRemove:
	default:
		respondError(w, errors.New("unknown layer action").
			WithType(errTypeBadRequest).
			WithTag("action", req.Action))
		return
	}

	if req.Action == LayerActionAlpha && req.Alpha == nil {
		respondError(w, errors.New("alpha action requires an alpha value").
			WithType(errTypeBadRequest))
		return
	}

	id := r.PathValue("id")
	var res LayerResponse
	var actionErr error

	err := a.Do(r.Context(), func() {
		layers := a.Surface.ImageryLayers()

		l, ok := layers.GetByID(id)
		if !ok {
			actionErr = errors.New("imagery layer not found").
				WithType(models.ErrTypeLayerNotFound).
				WithTag("layer_id", id)
			return
		}

		switch req.Action {
		case LayerActionRaise:
			actionErr = layers.Raise(l)
		case LayerActionLower:
			actionErr = layers.Lower(l)
		case LayerActionTop:
			actionErr = layers.RaiseToTop(l)
		case LayerActionBottom:
			actionErr = layers.LowerToBottom(l)
		case LayerActionShow:
			actionErr = layers.SetShow(l, true)
		case LayerActionHide:
			actionErr = layers.SetShow(l, false)
		case LayerActionAlpha:
			actionErr = layers.SetAlpha(l, *req.Alpha)
		case LayerActionRemove:
			layers.Remove(l)
		}
		res = newLayerResponse(l, layers.IndexOf(l))
	})
	if err == nil {
		err = actionErr
	}
	if err != nil {
		respondError(w, err)
		return
	}

	logs.WithTag("layer_id", id).
		WithTag("action", req.Action).
		Info("imagery layer updated")

	if req.Action == LayerActionRemove {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respond(w, http.StatusOK, res)
}

// CameraRequest is the body of a request to move the camera.
type CameraRequest struct {
	Longitude      float64 `json:"longitude"`
	Latitude       float64 `json:"latitude"`
	Height         float64 `json:"height"`
	FieldOfViewY   float64 `json:"fov_y,omitempty"`
	ViewportWidth  int     `json:"viewport_width,omitempty"`
	ViewportHeight int     `json:"viewport_height,omitempty"`
}

// HandleCamera moves the camera.
func (a *SurfaceAPI) HandleCamera(w http.ResponseWriter, r *http.Request) {
	var req CameraRequest
	if err := decodeRequest(r, &req); err != nil {
		respondError(w, err)
		return
	}

	if math.Abs(req.Longitude) > 180 || math.Abs(req.Latitude) > 90 || req.Height <= 0 {
		respondError(w, errors.New("invalid camera").
			WithType(errTypeBadRequest).
			WithTag("longitude", req.Longitude).
			WithTag("latitude", req.Latitude).
			WithTag("height", req.Height))
		return
	}

	err := a.SetCamera(r.Context(), models.Camera{
		Position:       orb.Point{req.Longitude, req.Latitude},
		Height:         req.Height,
		FieldOfViewY:   req.FieldOfViewY,
		ViewportWidth:  req.ViewportWidth,
		ViewportHeight: req.ViewportHeight,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ErrorResponse is the body of the error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeRequest(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		return errors.New("reading request body failed").
			WithType(errTypeBadRequest).
			Wrap(err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("decoding request body failed").
			WithType(errTypeBadRequest).
			Wrap(err)
	}
	return nil
}

func respond(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logs.Error(errors.New("encoding response failed").Wrap(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	w.Write(b)
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch errors.Type(err) {
	case errTypeBadRequest, models.ErrTypeConfiguration:
		status = http.StatusBadRequest
	case models.ErrTypeLayerNotFound:
		status = http.StatusNotFound
	case frame.ErrTypeLoopClosed:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logs.Error(err)
	}

	respond(w, status, ErrorResponse{
		Code:    errors.Type(err),
		Message: err.Error(),
	})
}
