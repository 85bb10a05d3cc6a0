package sketch

import (
	"fmt"
	"io"
	"strings"

	"github.com/fogleman/gg"

	"golang.org/x/image/font/basicfont"
)

// raster and vector export of a scene. Simple i/o wrappers over the object
// graph, no sync involvement.

func ExportPng(canvas *Canvas, w io.Writer) error {
	width, height := canvas.Dimensions()
	dc := gg.NewContext(width, height)

	dc.SetHexColor(canvas.Background())
	dc.Clear()

	dc.SetFontFace(basicfont.Face7x13)

	for _, object := range canvas.Objects() {
		drawObject(dc, object)
	}

	if err := dc.EncodePNG(w); err != nil {
		return fmt.Errorf("export png: %w", err)
	}
	return nil
}

func drawObject(dc *gg.Context, object *Object) {
	switch object.Kind {
	case ObjectKindRect:
		dc.DrawRectangle(object.Left, object.Top, object.Width, object.Height)
		fillAndStroke(dc, object)
	case ObjectKindCircle:
		dc.DrawCircle(object.Left+object.Radius, object.Top+object.Radius, object.Radius)
		fillAndStroke(dc, object)
	case ObjectKindTextbox:
		if object.Fill != "" {
			dc.SetHexColor(object.Fill)
		} else {
			dc.SetHexColor("#000000")
		}
		dc.DrawString(object.Text, object.Left, object.Top+object.FontSize)
	case ObjectKindPath:
		if len(object.Path) < 2 {
			return
		}
		dc.MoveTo(object.Path[0].X, object.Path[0].Y)
		for _, point := range object.Path[1:] {
			dc.LineTo(point.X, point.Y)
		}
		if object.Stroke != "" {
			dc.SetHexColor(object.Stroke)
		}
		dc.SetLineWidth(strokeWidthOr(object, 1))
		dc.Stroke()
	}
}

func fillAndStroke(dc *gg.Context, object *Object) {
	if object.Fill != "" {
		dc.SetHexColor(object.Fill)
		dc.FillPreserve()
	}
	if object.Stroke != "" {
		dc.SetHexColor(object.Stroke)
		dc.SetLineWidth(strokeWidthOr(object, 1))
		dc.Stroke()
	} else {
		dc.ClearPath()
	}
}

func strokeWidthOr(object *Object, defaultWidth float64) float64 {
	if object.StrokeWidth != 0 {
		return object.StrokeWidth
	}
	return defaultWidth
}

func ExportSvg(canvas *Canvas, w io.Writer) error {
	width, height := canvas.Dimensions()

	out := &strings.Builder{}
	fmt.Fprintf(
		out,
		`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		width, height, width, height,
	)
	fmt.Fprintf(out, `<rect width="%d" height="%d" fill="%s"/>`, width, height, canvas.Background())

	for _, object := range canvas.Objects() {
		writeSvgObject(out, object)
	}

	out.WriteString(`</svg>`)

	if _, err := io.WriteString(w, out.String()); err != nil {
		return fmt.Errorf("export svg: %w", err)
	}
	return nil
}

func writeSvgObject(out *strings.Builder, object *Object) {
	switch object.Kind {
	case ObjectKindRect:
		fmt.Fprintf(
			out,
			`<rect x="%g" y="%g" width="%g" height="%g"%s/>`,
			object.Left, object.Top, object.Width, object.Height,
			svgPaint(object),
		)
	case ObjectKindCircle:
		fmt.Fprintf(
			out,
			`<circle cx="%g" cy="%g" r="%g"%s/>`,
			object.Left+object.Radius, object.Top+object.Radius, object.Radius,
			svgPaint(object),
		)
	case ObjectKindTextbox:
		fmt.Fprintf(
			out,
			`<text x="%g" y="%g" font-size="%g" fill="%s">%s</text>`,
			object.Left, object.Top+object.FontSize, object.FontSize,
			svgColorOr(object.Fill, "#000000"),
			svgEscape(object.Text),
		)
	case ObjectKindPath:
		if len(object.Path) < 2 {
			return
		}
		points := make([]string, 0, len(object.Path))
		for _, point := range object.Path {
			points = append(points, fmt.Sprintf("%g,%g", point.X, point.Y))
		}
		fmt.Fprintf(
			out,
			`<polyline points="%s" fill="none" stroke="%s" stroke-width="%g"/>`,
			strings.Join(points, " "),
			svgColorOr(object.Stroke, "#000000"),
			strokeWidthOr(object, 1),
		)
	}
}

func svgPaint(object *Object) string {
	paint := fmt.Sprintf(` fill="%s"`, svgColorOr(object.Fill, "none"))
	if object.Stroke != "" {
		paint += fmt.Sprintf(` stroke="%s" stroke-width="%g"`, object.Stroke, strokeWidthOr(object, 1))
	}
	return paint
}

func svgColorOr(color string, defaultColor string) string {
	if color == "" {
		return defaultColor
	}
	return color
}

func svgEscape(text string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return replacer.Replace(text)
}
