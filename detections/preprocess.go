package detections

import (
	"image"
	"image/color"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// InputTensor is the (1, 3, 640, 640) model input: three planes of R, G and B
// samples scaled to [0, 1].
type InputTensor struct {
	Data []float32
}

// Shape of the tensor as the runtime expects it.
func (t *InputTensor) Shape() []int64 {
	return []int64{1, InputChannels, InputHeight, InputWidth}
}

const planeSize = InputWidth * InputHeight

// Preprocess converts a 640x640 image into a fresh input tensor. Alpha is
// discarded. Pixels the image does not cover are left at zero.
func Preprocess(img image.Image) *InputTensor {
	data := make([]float32, InputChannels*planeSize)
	b := img.Bounds()

	rows := b.Dy()
	if rows > InputHeight {
		rows = InputHeight
	}
	cols := b.Dx()
	if cols > InputWidth {
		cols = InputWidth
	}
	if rows <= 0 || cols <= 0 {
		return &InputTensor{Data: data}
	}

	fill := rowFiller(img, data, cols)

	workers := runtime.GOMAXPROCS(0)
	if workers > rows {
		workers = rows
	}
	perWorker := (rows + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < rows; start += perWorker {
		end := start + perWorker
		if end > rows {
			end = rows
		}
		start := start
		g.Go(func() error {
			for y := start; y < end; y++ {
				fill(y)
			}
			return nil
		})
	}
	// Row workers never fail.
	_ = g.Wait()

	return &InputTensor{Data: data}
}

// rowFiller returns a function writing row y (relative to the image origin)
// into the three planes.
func rowFiller(img image.Image, data []float32, cols int) func(y int) {
	r := data[:planeSize]
	g := data[planeSize : 2*planeSize]
	bl := data[2*planeSize:]
	origin := img.Bounds().Min

	switch src := img.(type) {
	case *image.NRGBA:
		return func(y int) {
			pix := src.Pix[src.PixOffset(origin.X, origin.Y+y):]
			off := y * InputWidth
			for x := 0; x < cols; x++ {
				p := pix[x*4 : x*4+3 : x*4+3]
				r[off+x] = float32(p[0]) / 255.0
				g[off+x] = float32(p[1]) / 255.0
				bl[off+x] = float32(p[2]) / 255.0
			}
		}
	case *image.RGBA:
		// Opaque RGBA pixels are identical to their non-premultiplied form.
		return func(y int) {
			pix := src.Pix[src.PixOffset(origin.X, origin.Y+y):]
			off := y * InputWidth
			for x := 0; x < cols; x++ {
				p := pix[x*4 : x*4+4 : x*4+4]
				if p[3] != 0xff {
					c := color.NRGBAModel.Convert(color.RGBA{R: p[0], G: p[1], B: p[2], A: p[3]}).(color.NRGBA)
					r[off+x] = float32(c.R) / 255.0
					g[off+x] = float32(c.G) / 255.0
					bl[off+x] = float32(c.B) / 255.0
					continue
				}
				r[off+x] = float32(p[0]) / 255.0
				g[off+x] = float32(p[1]) / 255.0
				bl[off+x] = float32(p[2]) / 255.0
			}
		}
	default:
		return func(y int) {
			off := y * InputWidth
			for x := 0; x < cols; x++ {
				c := color.NRGBAModel.Convert(img.At(origin.X+x, origin.Y+y)).(color.NRGBA)
				r[off+x] = float32(c.R) / 255.0
				g[off+x] = float32(c.G) / 255.0
				bl[off+x] = float32(c.B) / 255.0
			}
		}
	}
}
