package sketch

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"
)

// scene (de)serialization with a stable, explicit field allow-list. Round-trips
// preserve exactly the semantically relevant attributes; derived and runtime-only
// fields are dropped on both encode and decode.

type FieldAllowList []string

func DefaultFieldAllowList() FieldAllowList {
	return FieldAllowList{
		"kind",
		"left",
		"top",
		"width",
		"height",
		"radius",
		"fill",
		"stroke",
		"strokeWidth",
		"text",
		"fontSize",
		"path",
		"angle",
		"scaleX",
		"scaleY",
	}
}

const sceneFormatVersion = "1"

type sceneEnvelope struct {
	Version    string           `json:"version"`
	Background string           `json:"background,omitempty"`
	Objects    []map[string]any `json:"objects"`
}

func encodeScene(objects []*Object, background string, allow FieldAllowList) (string, error) {
	envelope := &sceneEnvelope{
		Version:    sceneFormatVersion,
		Background: background,
		Objects:    make([]map[string]any, 0, len(objects)),
	}
	for _, object := range objects {
		envelope.Objects = append(envelope.Objects, encodeObject(object, allow))
	}
	contentBytes, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode scene: %w", err)
	}
	return string(contentBytes), nil
}

func encodeObject(object *Object, allow FieldAllowList) map[string]any {
	fields := map[string]any{}
	put := func(name string, value any) {
		if slices.Contains(allow, name) {
			fields[name] = value
		}
	}
	put("kind", string(object.Kind))
	put("left", object.Left)
	put("top", object.Top)
	switch object.Kind {
	case ObjectKindRect:
		put("width", object.Width)
		put("height", object.Height)
	case ObjectKindCircle:
		put("radius", object.Radius)
	case ObjectKindTextbox:
		put("text", object.Text)
		put("fontSize", object.FontSize)
	case ObjectKindPath:
		put("path", object.Path)
	}
	if object.Fill != "" {
		put("fill", object.Fill)
	}
	if object.Stroke != "" {
		put("stroke", object.Stroke)
	}
	if object.StrokeWidth != 0 {
		put("strokeWidth", object.StrokeWidth)
	}
	if object.Angle != 0 {
		put("angle", object.Angle)
	}
	if object.ScaleX != 0 && object.ScaleX != 1 {
		put("scaleX", object.ScaleX)
	}
	if object.ScaleY != 0 && object.ScaleY != 1 {
		put("scaleY", object.ScaleY)
	}
	return fields
}

func decodeScene(content string) ([]*Object, string, error) {
	envelope := &sceneEnvelope{}
	if err := json.Unmarshal([]byte(content), envelope); err != nil {
		return nil, "", fmt.Errorf("decode scene: %w", err)
	}

	objects := make([]*Object, 0, len(envelope.Objects))
	for _, fields := range envelope.Objects {
		object, err := decodeObject(fields)
		if err != nil {
			return nil, "", err
		}
		objects = append(objects, object)
	}
	return objects, envelope.Background, nil
}

func decodeObject(fields map[string]any) (*Object, error) {
	kind, ok := fields["kind"].(string)
	if !ok {
		return nil, fmt.Errorf("decode scene: object missing kind")
	}
	object := &Object{
		Kind:        ObjectKind(kind),
		Left:        fieldFloat(fields, "left"),
		Top:         fieldFloat(fields, "top"),
		Width:       fieldFloat(fields, "width"),
		Height:      fieldFloat(fields, "height"),
		Radius:      fieldFloat(fields, "radius"),
		Fill:        fieldString(fields, "fill"),
		Stroke:      fieldString(fields, "stroke"),
		StrokeWidth: fieldFloat(fields, "strokeWidth"),
		Text:        fieldString(fields, "text"),
		FontSize:    fieldFloat(fields, "fontSize"),
		Angle:       fieldFloat(fields, "angle"),
		ScaleX:      fieldFloat(fields, "scaleX"),
		ScaleY:      fieldFloat(fields, "scaleY"),
	}
	if rawPath, ok := fields["path"].([]any); ok {
		path := make([]Point, 0, len(rawPath))
		for _, rawPoint := range rawPath {
			pointFields, ok := rawPoint.(map[string]any)
			if !ok {
				continue
			}
			path = append(path, Point{
				X: fieldFloat(pointFields, "x"),
				Y: fieldFloat(pointFields, "y"),
			})
		}
		object.Path = path
	}
	return object, nil
}

func fieldFloat(fields map[string]any, name string) float64 {
	switch value := fields[name].(type) {
	case float64:
		return value
	case int64:
		return float64(value)
	case int:
		return float64(value)
	default:
		return 0
	}
}

func fieldString(fields map[string]any, name string) string {
	if value, ok := fields[name].(string); ok {
		return value
	}
	return ""
}
