// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package livestate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	PlaceholderWidth  = 640
	PlaceholderHeight = 360

	placeholderText = "NO SIGNAL"

	// The bitmap face is 7x13; text is drawn on a canvas this many
	// times smaller than the output and scaled up.
	placeholderScale = 4
)

// Placeholder returns the JPEG a device's record shows before its
// first frame: white "NO SIGNAL" centred on black, 640x360. Rendered
// once per process.
var Placeholder = sync.OnceValue(renderPlaceholder)

func renderPlaceholder() []byte {
	small := image.NewRGBA(image.Rect(0, 0, PlaceholderWidth/placeholderScale, PlaceholderHeight/placeholderScale))
	draw.Draw(small, small.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(color.White),
		Face: face,
	}
	textWidth := drawer.MeasureString(placeholderText).Round()
	ascent := face.Metrics().Ascent.Round()
	drawer.Dot = fixed.P(
		(small.Bounds().Dx()-textWidth)/2,
		(small.Bounds().Dy()+ascent)/2,
	)
	drawer.DrawString(placeholderText)

	full := image.NewRGBA(image.Rect(0, 0, PlaceholderWidth, PlaceholderHeight))
	draw.NearestNeighbor.Scale(full, full.Bounds(), small, small.Bounds(), draw.Src, nil)

	var encoded bytes.Buffer
	if err := jpeg.Encode(&encoded, full, &jpeg.Options{Quality: 80}); err != nil {
		// Encoding an in-memory RGBA image into a buffer cannot fail.
		panic("livestate: encoding placeholder: " + err.Error())
	}
	return encoded.Bytes()
}
