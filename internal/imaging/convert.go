// Package imaging bridges Go images and OpenCV Mats and loads aerial
// frames at a bounded working resolution.
package imaging

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"runtime"
	"sync"

	"gocv.io/x/gocv"

	_ "golang.org/x/image/tiff"
)

// ImageToMatGray converts a Go image to a single-channel 8-bit Mat
// using the BT.601 luma weights.
func ImageToMatGray(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.Mat{}, fmt.Errorf("nil image")
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return gocv.Mat{}, fmt.Errorf("empty image")
	}

	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC1)

	// Parallelize by horizontal stripes
	numWorkers := runtime.NumCPU()
	rowsPerWorker := (height + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if endY > height {
			endY = height
		}
		if startY >= height {
			break
		}

		wg.Add(1)
		go func(yStart, yEnd int) {
			defer wg.Done()
			for y := yStart; y < yEnd; y++ {
				for x := 0; x < width; x++ {
					r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
					luma := (299*r + 587*g + 114*b) / 1000
					mat.SetUCharAt(y, x, uint8(luma>>8))
				}
			}
		}(startY, endY)
	}
	wg.Wait()

	return mat, nil
}

// Load decodes an image file. TIFF, JPEG, and PNG are registered.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// LoadGray decodes an image file into a grayscale Mat, downscaling so
// the longest edge does not exceed maxDim. The returned ratio maps
// working-resolution pixels back to original pixels (>= 1).
func LoadGray(path string, maxDim int) (gocv.Mat, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return gocv.Mat{}, 0, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return gocv.Mat{}, 0, fmt.Errorf("decode image: %w", err)
	}

	mat, err := ImageToMatGray(img)
	if err != nil {
		return gocv.Mat{}, 0, err
	}

	return DownscaleTo(mat, maxDim)
}

// DownscaleTo resizes mat so its longest edge is at most maxDim,
// taking ownership of mat. Area interpolation avoids aliasing when
// shrinking scanned aerials.
func DownscaleTo(mat gocv.Mat, maxDim int) (gocv.Mat, float64, error) {
	w := mat.Cols()
	h := mat.Rows()
	longest := w
	if h > longest {
		longest = h
	}
	if maxDim <= 0 || longest <= maxDim {
		return mat, 1.0, nil
	}

	scale := float64(maxDim) / float64(longest)
	dst := gocv.NewMat()
	gocv.Resize(mat, &dst, image.Point{}, scale, scale, gocv.InterpolationArea)
	mat.Close()

	return dst, 1.0 / scale, nil
}
