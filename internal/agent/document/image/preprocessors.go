package image

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Grayscale
type GrayscaleProcessor struct{}

func NewGrayscaleProcessor() *GrayscaleProcessor {
	return &GrayscaleProcessor{}
}

func (p *GrayscaleProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// AdaptiveThresholdProcessor binarizes against the mean of a blockSize window,
// computed from an integral image so cost does not grow with the window.
type AdaptiveThresholdProcessor struct {
	blockSize int
	constant  float64
}

func NewAdaptiveThresholdProcessor(blockSize int, constant float64) *AdaptiveThresholdProcessor {
	if blockSize < 3 {
		blockSize = 3
	}
	if blockSize%2 == 0 {
		blockSize++
	}
	return &AdaptiveThresholdProcessor{
		blockSize: blockSize,
		constant:  constant,
	}
}

func (p *AdaptiveThresholdProcessor) Process(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}

	gray := toGray(img)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	if w == 0 || h == 0 {
		return gray, nil
	}

	// integral[(y+1)*(w+1)+(x+1)] = sum of gray over [0,x]x[0,y]
	stride := w + 1
	integral := make([]int64, stride*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(gray.Pix[y*gray.Stride+x])
			integral[(y+1)*stride+x+1] = integral[y*stride+x+1] + row
		}
	}

	half := p.blockSize / 2
	result := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h-1, y+half)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w-1, x+half)
			sum := integral[(y1+1)*stride+x1+1] - integral[y0*stride+x1+1] -
				integral[(y1+1)*stride+x0] + integral[y0*stride+x0]
			count := int64((x1 - x0 + 1) * (y1 - y0 + 1))
			mean := float64(sum) / float64(count)

			if float64(gray.Pix[y*gray.Stride+x]) < mean-p.constant {
				result.Pix[y*result.Stride+x] = 0
			} else {
				result.Pix[y*result.Stride+x] = 255
			}
		}
	}

	return result, nil
}

// toGray returns a zero-origin *image.Gray copy of img.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetGray(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(img.At(x, y)).(color.Gray))
		}
	}
	return out
}

// Denoise with a gaussian blur.
type DenoiseProcessor struct {
	strength float64
}

func NewDenoiseProcessor(strength float64) *DenoiseProcessor {
	return &DenoiseProcessor{strength: strength}
}

func (p *DenoiseProcessor) Process(img image.Image) (image.Image, error) {
	if p.strength <= 0 {
		return img, nil
	}
	return imaging.Blur(img, p.strength), nil
}

type SharpenProcessor struct {
	strength float64
}

func NewSharpenProcessor(strength float64) *SharpenProcessor {
	return &SharpenProcessor{strength: strength}
}

func (p *SharpenProcessor) Process(img image.Image) (image.Image, error) {
	if p.strength <= 0 {
		return img, nil
	}
	return imaging.Sharpen(img, p.strength), nil
}

type ContrastNormalizationProcessor struct {
	amount float64
}

func NewContrastNormalizationProcessor(amount float64) *ContrastNormalizationProcessor {
	return &ContrastNormalizationProcessor{amount: amount}
}

func (p *ContrastNormalizationProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, p.amount), nil
}
