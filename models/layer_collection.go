package models

import (
	"fmt"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// LayerEventType is the kind of change applied to an imagery layer
// collection.
type LayerEventType int

const (
	LayerAdded LayerEventType = iota
	LayerRemoved
	LayerMoved
	LayerShownOrHidden
	LayerAlphaChanged
)

func (t LayerEventType) String() string {
	switch t {
	case LayerAdded:
		return "added"
	case LayerRemoved:
		return "removed"
	case LayerMoved:
		return "moved"
	case LayerShownOrHidden:
		return "shown_or_hidden"
	case LayerAlphaChanged:
		return "alpha_changed"
	default:
		return fmt.Sprintf("layer_event(%d)", int(t))
	}
}

// LayerEvent describes a change applied to an imagery layer collection.
type LayerEvent struct {
	// Increases by one for each event emitted by a collection.
	Seq uint32

	Type  LayerEventType
	Layer *ImageryLayer

	// The index of the layer after the change. For removals, the index the
	// layer had.
	Index int

	// The index of the layer before a move.
	OldIndex int
}

// LayerObserver is the interface that describes a component notified of
// imagery layer collection changes.
type LayerObserver interface {
	OnLayerEvent(LayerEvent)
}

// The number of events kept in a collection log.
const layerEventLogSize = 256

// ImageryLayerCollection is the ordered stack of imagery layers. Index 0 is
// the bottom layer.
//
// Changes are notified synchronously to the observers and recorded in a
// bounded log that consumers can replay with Events.
type ImageryLayerCollection struct {
	layers    []*ImageryLayer
	observers map[uint32]LayerObserver
	ids       SequentialIDGenerator
	seq       uint32
	log       []LayerEvent
}

// NewImageryLayerCollection creates an empty collection.
func NewImageryLayerCollection() *ImageryLayerCollection {
	return &ImageryLayerCollection{
		observers: make(map[uint32]LayerObserver),
	}
}

// Observe registers an observer. The returned function unregisters it.
func (c *ImageryLayerCollection) Observe(o LayerObserver) func() {
	id := c.ids.New()
	c.observers[id] = o

	return func() {
		if _, ok := c.observers[id]; ok {
			delete(c.observers, id)
			c.ids.Reuse(id)
		}
	}
}

// Seq returns the sequence number of the last emitted event.
func (c *ImageryLayerCollection) Seq() uint32 {
	return c.seq
}

// Events returns the logged events emitted after the given sequence number.
// ok is false when some of them were dropped from the log.
func (c *ImageryLayerCollection) Events(after uint32) (events []LayerEvent, ok bool) {
	if after >= c.seq {
		return nil, true
	}
	if len(c.log) == 0 || c.log[0].Seq > after+1 {
		return nil, false
	}

	start := int(after + 1 - c.log[0].Seq)
	return append([]LayerEvent(nil), c.log[start:]...), true
}

// Len returns the number of layers.
func (c *ImageryLayerCollection) Len() int {
	return len(c.layers)
}

// Get returns the layer at the given index.
func (c *ImageryLayerCollection) Get(index int) (*ImageryLayer, bool) {
	if index < 0 || index >= len(c.layers) {
		return nil, false
	}
	return c.layers[index], true
}

// GetByID returns the layer with the given id.
func (c *ImageryLayerCollection) GetByID(id string) (*ImageryLayer, bool) {
	for _, l := range c.layers {
		if l.ID == id {
			return l, true
		}
	}
	return nil, false
}

// IndexOf returns the index of the given layer, or -1 when it is not in the
// collection.
func (c *ImageryLayerCollection) IndexOf(l *ImageryLayer) int {
	for i, layer := range c.layers {
		if layer == l {
			return i
		}
	}
	return -1
}

// Contains reports whether the given layer is in the collection.
func (c *ImageryLayerCollection) Contains(l *ImageryLayer) bool {
	return c.IndexOf(l) >= 0
}

// Layers returns the layers, bottom first.
func (c *ImageryLayerCollection) Layers() []*ImageryLayer {
	return append([]*ImageryLayer(nil), c.layers...)
}

// Add puts a layer on top of the stack. Adding a layer that is already in the
// collection does nothing.
func (c *ImageryLayerCollection) Add(l *ImageryLayer) {
	if c.Contains(l) {
		return
	}
	c.insert(l, len(c.layers))
}

// AddAt inserts a layer at the given index.
func (c *ImageryLayerCollection) AddAt(l *ImageryLayer, index int) error {
	if index < 0 || index > len(c.layers) {
		return errors.New("layer index out of range").
			WithTag("index", index).
			WithTag("length", len(c.layers))
	}
	if c.Contains(l) {
		return errors.New("layer already added").
			WithTag("layer_id", l.ID)
	}

	c.insert(l, index)
	return nil
}

// AddImageryProvider creates a layer over the given provider and puts it on
// top of the stack.
func (c *ImageryLayerCollection) AddImageryProvider(p ImageryProvider) *ImageryLayer {
	l := NewImageryLayer(p)
	c.Add(l)
	return l
}

// Remove takes a layer out of the collection. It returns false when the layer
// was not in it.
func (c *ImageryLayerCollection) Remove(l *ImageryLayer) bool {
	index := c.IndexOf(l)
	if index < 0 {
		return false
	}

	c.layers = append(c.layers[:index], c.layers[index+1:]...)
	c.emit(LayerEvent{
		Type:     LayerRemoved,
		Layer:    l,
		Index:    index,
		OldIndex: index,
	})
	return true
}

// RemoveAll takes every layer out of the collection, top first.
func (c *ImageryLayerCollection) RemoveAll() {
	for i := len(c.layers) - 1; i >= 0; i-- {
		c.Remove(c.layers[i])
	}
}

// Raise moves a layer one position up.
func (c *ImageryLayerCollection) Raise(l *ImageryLayer) error {
	index, err := c.indexOf(l)
	if err != nil {
		return err
	}
	c.move(index, index+1)
	return nil
}

// Lower moves a layer one position down.
func (c *ImageryLayerCollection) Lower(l *ImageryLayer) error {
	index, err := c.indexOf(l)
	if err != nil {
		return err
	}
	c.move(index, index-1)
	return nil
}

// RaiseToTop moves a layer to the top of the stack.
func (c *ImageryLayerCollection) RaiseToTop(l *ImageryLayer) error {
	index, err := c.indexOf(l)
	if err != nil {
		return err
	}
	c.move(index, len(c.layers)-1)
	return nil
}

// LowerToBottom moves a layer to the bottom of the stack.
func (c *ImageryLayerCollection) LowerToBottom(l *ImageryLayer) error {
	index, err := c.indexOf(l)
	if err != nil {
		return err
	}
	c.move(index, 0)
	return nil
}

// SetShow shows or hides a layer.
func (c *ImageryLayerCollection) SetShow(l *ImageryLayer, show bool) error {
	index, err := c.indexOf(l)
	if err != nil {
		return err
	}
	if l.show == show {
		return nil
	}

	l.show = show
	c.emit(LayerEvent{
		Type:     LayerShownOrHidden,
		Layer:    l,
		Index:    index,
		OldIndex: index,
	})
	return nil
}

// SetAlpha changes a layer opacity. The value is clamped between 0 and 1.
func (c *ImageryLayerCollection) SetAlpha(l *ImageryLayer, alpha float64) error {
	index, err := c.indexOf(l)
	if err != nil {
		return err
	}

	alpha = min(max(alpha, 0), 1)
	if l.alpha == alpha {
		return nil
	}

	l.alpha = alpha
	c.emit(LayerEvent{
		Type:     LayerAlphaChanged,
		Layer:    l,
		Index:    index,
		OldIndex: index,
	})
	return nil
}

func (c *ImageryLayerCollection) indexOf(l *ImageryLayer) (int, error) {
	index := c.IndexOf(l)
	if index < 0 {
		return -1, errors.New("layer not found").
			WithType(ErrTypeLayerNotFound).
			WithTag("layer_id", l.ID)
	}
	return index, nil
}

func (c *ImageryLayerCollection) insert(l *ImageryLayer, index int) {
	c.layers = append(c.layers, nil)
	copy(c.layers[index+1:], c.layers[index:])
	c.layers[index] = l

	c.emit(LayerEvent{
		Type:     LayerAdded,
		Layer:    l,
		Index:    index,
		OldIndex: index,
	})
}

func (c *ImageryLayerCollection) move(from, to int) {
	to = clampIndex(to, len(c.layers))
	if from == to {
		return
	}

	l := c.layers[from]
	if from < to {
		copy(c.layers[from:to], c.layers[from+1:to+1])
	} else {
		copy(c.layers[to+1:from+1], c.layers[to:from])
	}
	c.layers[to] = l

	c.emit(LayerEvent{
		Type:     LayerMoved,
		Layer:    l,
		Index:    to,
		OldIndex: from,
	})
}

func (c *ImageryLayerCollection) emit(e LayerEvent) {
	c.seq++
	e.Seq = c.seq
	instrumentLayerEvent(e.Type)

	c.log = append(c.log, e)
	if len(c.log) > layerEventLogSize {
		c.log = append(c.log[:0], c.log[len(c.log)-layerEventLogSize:]...)
	}

	for _, o := range c.observers {
		o.OnLayerEvent(e)
	}
}
