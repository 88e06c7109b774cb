package similarity

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"
)

const (
	window = 8
	stride = 4

	// stabilisers for a dynamic range of 1
	c1 = 0.01 * 0.01
	c2 = 0.03 * 0.03
)

var ErrSizeMismatch = errors.New("frames differ in size")

// Gray is a grayscale frame with intensities in [0, 1].
type Gray struct {
	Width  int
	Height int
	Pix    []float64
}

// NewGray scales img to size x size and converts it to grayscale.
func NewGray(img image.Image, size int) *Gray {
	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	g := &Gray{Width: size, Height: size, Pix: make([]float64, size*size)}
	for y := range size {
		for x := range size {
			g.Pix[y*size+x] = float64(dst.Pix[y*dst.Stride+x]) / 255
		}
	}
	return g
}

// LoadFrame decodes a JPEG or PNG frame from disk.
func LoadFrame(path string, size int) (*Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", path, err)
	}
	return NewGray(img, size), nil
}

// SSIM returns the mean structural similarity of a and b over sliding
// 8x8 windows. Identical frames score 1.
func SSIM(a, b *Gray) (float64, error) {
	if a.Width != b.Width || a.Height != b.Height {
		return 0, fmt.Errorf("%w: %dx%d vs %dx%d", ErrSizeMismatch, a.Width, a.Height, b.Width, b.Height)
	}
	if a.Width < window || a.Height < window {
		return 0, fmt.Errorf("frame smaller than %dx%d window", window, window)
	}

	xs := make([]float64, window*window)
	ys := make([]float64, window*window)
	var sum float64
	var count int
	for top := 0; top+window <= a.Height; top += stride {
		for left := 0; left+window <= a.Width; left += stride {
			for dy := range window {
				row := (top + dy) * a.Width
				copy(xs[dy*window:(dy+1)*window], a.Pix[row+left:row+left+window])
				copy(ys[dy*window:(dy+1)*window], b.Pix[row+left:row+left+window])
			}
			sum += windowSSIM(xs, ys)
			count++
		}
	}
	return sum / float64(count), nil
}

func windowSSIM(xs, ys []float64) float64 {
	mx, vx := stat.MeanVariance(xs, nil)
	my, vy := stat.MeanVariance(ys, nil)
	cov := stat.Covariance(xs, ys, nil)

	num := (2*mx*my + c1) * (2*cov + c2)
	den := (mx*mx + my*my + c1) * (vx + vy + c2)
	return num / den
}
