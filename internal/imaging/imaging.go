package imaging

import (
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
)

// Decode reads a JPEG or PNG image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errors.Wrapf(errs.ErrInvalidArgument, "decoding image: %v", err)
	}
	return img, format, nil
}

// ToRGBA scales img to width x height and returns its non-premultiplied RGBA
// pixels, row by row with no padding.
func ToRGBA(img image.Image, width, height int) []byte {
	src := img
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		src = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst.Pix
}

// InputSize returns the width and height of an RGB image tensor laid out as
// [1, H, W, 3] or [H, W, 3].
func InputSize(shape []int) (int, int, error) {
	switch {
	case len(shape) == 4 && shape[0] == 1 && shape[3] == 3:
		return shape[2], shape[1], nil
	case len(shape) == 3 && shape[2] == 3:
		return shape[1], shape[0], nil
	}
	return 0, 0, errors.Wrapf(errs.ErrInvalidArgument, "shape %v is not an RGB image tensor", shape)
}
