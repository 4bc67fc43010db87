package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	// registered decoders for init images
	_ "image/jpeg"

	"golang.org/x/image/draw"

	"github.com/knights-analytics/sdengine/util/fileutil"
)

func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		b, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", path, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// Resize scales img to exactly width x height with Catmull-Rom resampling.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToCHW resizes each image to width x height and returns the pixels as a planar
// (batch, 3, height, width) slice with values mapped from [0, 255] to [-1, 1].
func ToCHW(images []image.Image, width, height int) []float32 {
	plane := width * height
	out := make([]float32, len(images)*3*plane)
	for i, img := range images {
		rgba := Resize(img, width, height)
		base := i * 3 * plane
		for y := range height {
			for x := range width {
				offset := rgba.PixOffset(x, y)
				p := y*width + x
				for c := range 3 {
					out[base+c*plane+p] = float32(rgba.Pix[offset+c])/127.5 - 1
				}
			}
		}
	}
	return out
}

// FromHWC builds an opaque RGBA image from interleaved 8-bit RGB pixels.
func FromHWC(pixels []uint8, width, height int) (*image.RGBA, error) {
	if len(pixels) != width*height*3 {
		return nil, fmt.Errorf("expected %d pixel values for %dx%d, got %d", width*height*3, width, height, len(pixels))
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for p := range width * height {
		copy(img.Pix[4*p:4*p+3], pixels[3*p:3*p+3])
		img.Pix[4*p+3] = 255
	}
	return img, nil
}

// SavePNG encodes img to path through the file store.
func SavePNG(img image.Image, path string) (err error) {
	writer, err := fileutil.NewFileWriter(path, "image/png")
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
	}()
	return png.Encode(writer, img)
}
