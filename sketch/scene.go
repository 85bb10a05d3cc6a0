package sketch

import (
	"sync"

	"golang.org/x/exp/slices"
)

// the editable object graph. The engine only depends on `SceneSurface`;
// `Canvas` is the in-memory implementation used by the headless clients and tests.

type ObjectKind string

const (
	ObjectKindRect    ObjectKind = "rect"
	ObjectKindCircle  ObjectKind = "circle"
	ObjectKindTextbox ObjectKind = "textbox"
	ObjectKindPath    ObjectKind = "path"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Object struct {
	Kind        ObjectKind
	Left        float64
	Top         float64
	Width       float64
	Height      float64
	Radius      float64
	Fill        string
	Stroke      string
	StrokeWidth float64
	Text        string
	FontSize    float64
	Path        []Point
	Angle       float64
	ScaleX      float64
	ScaleY      float64

	// runtime only, never serialized
	selected bool
}

func (self *Object) clone() *Object {
	out := *self
	out.Path = slices.Clone(self.Path)
	out.selected = false
	return &out
}

type SurfaceEventKind string

const (
	SurfaceEventObjectAdded      SurfaceEventKind = "object-added"
	SurfaceEventObjectModified   SurfaceEventKind = "object-modified"
	SurfaceEventObjectRemoved    SurfaceEventKind = "object-removed"
	SurfaceEventPathCreated      SurfaceEventKind = "path-created"
	SurfaceEventGestureStart     SurfaceEventKind = "gesture-start"
	SurfaceEventGestureEnd       SurfaceEventKind = "gesture-end"
	SurfaceEventPointerMove      SurfaceEventKind = "pointer-move"
	SurfaceEventSelectionChanged SurfaceEventKind = "selection-changed"
)

// a change to the scene, a pointer move, or a selection change.
// note the surface emits the same change events whether the mutation came from
// a human gesture, a remote snapshot load, or an undo/redo restore
type SurfaceEvent struct {
	Kind   SurfaceEventKind
	Object *Object
	X      float64
	Y      float64
}

type SurfaceEventFunction = func(event *SurfaceEvent)

type SceneSurface interface {
	SerializeWith(allow FieldAllowList) (string, error)
	Deserialize(content string) error
	Dimensions() (width int, height int)
	SetDimensions(width int, height int)
	AddEventCallback(eventCallback SurfaceEventFunction) func()
}

type Canvas struct {
	stateLock sync.Mutex

	objects    []*Object
	background string
	width      int
	height     int

	activeObject *Object

	drawingMode bool
	brushColor  string
	brushWidth  float64
	stroke      []Point

	eventCallbacks *CallbackList[SurfaceEventFunction]
}

func NewCanvas(width int, height int) *Canvas {
	return &Canvas{
		objects:        []*Object{},
		background:     "#ffffff",
		width:          width,
		height:         height,
		brushColor:     "#222222",
		brushWidth:     2,
		eventCallbacks: NewCallbackList[SurfaceEventFunction](),
	}
}

func (self *Canvas) AddEventCallback(eventCallback SurfaceEventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

// note all callbacks are wrapped to recover from errors
func (self *Canvas) event(event *SurfaceEvent) {
	for _, eventCallback := range self.eventCallbacks.Get() {
		func() {
			defer recover()
			eventCallback(event)
		}()
	}
}

func (self *Canvas) Dimensions() (int, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.width, self.height
}

func (self *Canvas) SetDimensions(width int, height int) {
	self.stateLock.Lock()
	self.width = width
	self.height = height
	self.stateLock.Unlock()
}

func (self *Canvas) Background() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.background
}

func (self *Canvas) Objects() []*Object {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.objects)
}

func (self *Canvas) ObjectCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.objects)
}

func (self *Canvas) Add(object *Object) {
	self.stateLock.Lock()
	self.objects = append(self.objects, object)
	self.stateLock.Unlock()

	self.event(&SurfaceEvent{Kind: SurfaceEventObjectAdded, Object: object})
}

func (self *Canvas) Remove(object *Object) {
	self.stateLock.Lock()
	i := slices.Index(self.objects, object)
	if i < 0 {
		self.stateLock.Unlock()
		return
	}
	self.objects = slices.Delete(self.objects, i, i+1)
	if self.activeObject == object {
		self.activeObject = nil
	}
	self.stateLock.Unlock()

	self.event(&SurfaceEvent{Kind: SurfaceEventObjectRemoved, Object: object})
}

// applies a mutation to one object and emits the modified event
func (self *Canvas) Update(object *Object, mutate func(object *Object)) {
	self.stateLock.Lock()
	mutate(object)
	self.stateLock.Unlock()

	self.event(&SurfaceEvent{Kind: SurfaceEventObjectModified, Object: object})
}

func (self *Canvas) SetActiveObject(object *Object) {
	self.stateLock.Lock()
	if self.activeObject != nil {
		self.activeObject.selected = false
	}
	self.activeObject = object
	if object != nil {
		object.selected = true
	}
	self.stateLock.Unlock()

	self.event(&SurfaceEvent{Kind: SurfaceEventSelectionChanged, Object: object})
}

func (self *Canvas) ActiveObject() *Object {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.activeObject
}

func (self *Canvas) DiscardActiveObject() {
	self.SetActiveObject(nil)
}

// a continuous interaction on one object, e.g. a drag. The pre-gesture state is
// what undo restores, so the start event must precede the first mutation
func (self *Canvas) BeginGesture(object *Object) {
	self.event(&SurfaceEvent{Kind: SurfaceEventGestureStart, Object: object})
}

func (self *Canvas) EndGesture(object *Object) {
	self.event(&SurfaceEvent{Kind: SurfaceEventGestureEnd, Object: object})
	if object != nil {
		self.event(&SurfaceEvent{Kind: SurfaceEventObjectModified, Object: object})
	}
}

func (self *Canvas) PointerMove(x float64, y float64) {
	self.event(&SurfaceEvent{Kind: SurfaceEventPointerMove, X: x, Y: y})
}

func (self *Canvas) DrawingMode() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.drawingMode
}

func (self *Canvas) SetDrawingMode(drawingMode bool) {
	self.stateLock.Lock()
	self.drawingMode = drawingMode
	self.stateLock.Unlock()
}

func (self *Canvas) SetBrush(color string, width float64) {
	self.stateLock.Lock()
	self.brushColor = color
	self.brushWidth = width
	self.stateLock.Unlock()
}

func (self *Canvas) BeginStroke(x float64, y float64) {
	self.stateLock.Lock()
	self.stroke = []Point{{X: x, Y: y}}
	self.stateLock.Unlock()

	self.event(&SurfaceEvent{Kind: SurfaceEventGestureStart})
}

func (self *Canvas) ExtendStroke(x float64, y float64) {
	self.stateLock.Lock()
	if self.stroke != nil {
		self.stroke = append(self.stroke, Point{X: x, Y: y})
	}
	self.stateLock.Unlock()
}

// commits the free-hand stroke as one path object.
// a stroke completes as a single logical edit
func (self *Canvas) EndStroke() *Object {
	self.stateLock.Lock()
	if self.stroke == nil {
		self.stateLock.Unlock()
		return nil
	}
	path := &Object{
		Kind:        ObjectKindPath,
		Stroke:      self.brushColor,
		StrokeWidth: self.brushWidth,
		Path:        self.stroke,
	}
	self.stroke = nil
	self.objects = append(self.objects, path)
	self.stateLock.Unlock()

	self.event(&SurfaceEvent{Kind: SurfaceEventGestureEnd})
	self.event(&SurfaceEvent{Kind: SurfaceEventPathCreated, Object: path})
	return path
}

func (self *Canvas) SerializeWith(allow FieldAllowList) (string, error) {
	self.stateLock.Lock()
	objects := make([]*Object, len(self.objects))
	for i, object := range self.objects {
		objects[i] = object.clone()
	}
	background := self.background
	self.stateLock.Unlock()

	return encodeScene(objects, background, allow)
}

// replaces the object graph wholesale. Emits the same added events a local edit
// would, which is why every reactive handler consults the revision guard first
func (self *Canvas) Deserialize(content string) error {
	objects, background, err := decodeScene(content)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.objects = objects
	if background != "" {
		self.background = background
	}
	self.activeObject = nil
	self.stroke = nil
	self.stateLock.Unlock()

	for _, object := range objects {
		self.event(&SurfaceEvent{Kind: SurfaceEventObjectAdded, Object: object})
	}
	return nil
}
