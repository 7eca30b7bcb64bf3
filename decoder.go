package imgload

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"

	// Register the decodable formats with image.Decode.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// StdDecoder decodes the registered raster formats (jpeg, png, gif, webp,
// bmp, tiff) into pixel artifacts. Animated gifs keep their frame count
// and expose the first frame as the still image.
type StdDecoder struct{}

func (StdDecoder) Decode(data []byte, partial bool) (*Artifact, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMedia
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	a := &Artifact{
		Image:   img,
		Data:    data,
		Format:  format,
		Width:   img.Bounds().Dx(),
		Height:  img.Bounds().Dy(),
		Frames:  1,
		Partial: partial,
	}

	// Frame counting needs the whole stream, a truncated prefix is not
	// worth the second pass.
	if format == "gif" && !partial {
		if g, err := gif.DecodeAll(bytes.NewReader(data)); err == nil {
			a.Frames = len(g.Image)
		}
	}
	return a, nil
}

// NopDecoder passes raw bytes through without touching them. Used when the
// caller wants coalesced transfers and caching but no pixel access.
type NopDecoder struct{}

func (NopDecoder) Decode(data []byte, partial bool) (*Artifact, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMedia
	}
	return &Artifact{Data: data, Partial: partial}, nil
}
