package corpus

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/gomlx/captioner/pkg/captioning"
)

// ImageInfo describes a decoded image, before resizing.
type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// DecodeImage decodes a JPEG, PNG, GIF, BMP or WEBP image, applying the EXIF orientation if present.
//
// Any failure is returned as a captioning.DecodeError.
func DecodeImage(r io.Reader) (image.Image, ImageInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, ImageInfo{}, captioning.NewDecodeError("", errors.Wrap(err, "failed to read image"))
	}
	return DecodeImageBytes(data)
}

// DefaultMaxPixels is the largest image, in pixels, accepted by DecodeImage and DecodeImageBytes.
const DefaultMaxPixels = 64 << 20

// DecodeImageBytes is like DecodeImage, for an image already in memory.
func DecodeImageBytes(data []byte) (image.Image, ImageInfo, error) {
	return DecodeImageBytesLimit(data, DefaultMaxPixels)
}

// DecodeImageBytesLimit is like DecodeImageBytes, but rejects images with more than maxPixels pixels
// from their header, before decoding them. maxPixels <= 0 disables the check.
func DecodeImageBytesLimit(data []byte, maxPixels int) (image.Image, ImageInfo, error) {
	if len(data) == 0 {
		return nil, ImageInfo{}, captioning.NewDecodeError("", errors.New("empty image"))
	}
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, ImageInfo{}, captioning.NewDecodeError("", err)
	}
	if pixels := int64(config.Width) * int64(config.Height); maxPixels > 0 && pixels > int64(maxPixels) {
		return nil, ImageInfo{}, captioning.NewDecodeError(format,
			errors.Errorf("image of %dx%d exceeds the limit of %d pixels", config.Width, config.Height, maxPixels))
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ImageInfo{}, captioning.NewDecodeError(format, err)
	}
	size := img.Bounds().Size()
	if size.X == 0 || size.Y == 0 {
		return nil, ImageInfo{}, captioning.NewDecodeError(format, errors.Errorf("image has no pixels (%dx%d)", size.X, size.Y))
	}
	return img, ImageInfo{Width: size.X, Height: size.Y, Format: format}, nil
}

// PrepareImage resizes img to a size x size square, scaling the shorter side to size and cropping the
// center of the longer one.
func PrepareImage(img image.Image, size int) image.Image {
	return imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
}

// ImagesToTensor converts images already prepared with PrepareImage to a float32 tensor shaped
// [len(imgs), size, size, 3] with values in [0, 1]. The alpha channel is dropped.
func ImagesToTensor(imgs []image.Image) *tensors.Tensor {
	return timage.ToTensor(dtypes.Float32).MaxValue(1.0).Batch(imgs)
}
