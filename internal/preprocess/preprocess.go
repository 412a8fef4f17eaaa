// Package preprocess turns decoded images into normalised pixel tensors the
// way the published feature extractor does: resize, rescale to [0, 1] and
// normalise per channel.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/samcharles93/segformer/internal/tensor"
)

// ConfigFile is the conventional name of the saved preprocessing config.
const ConfigFile = "preprocessor_config.json"

// Resample filter ids as stored in preprocessor_config.json.
const (
	ResampleNearest  = 0
	ResampleBilinear = 2
	ResampleBicubic  = 3
)

var ErrDecode = errors.New("cannot decode image")

// Config mirrors preprocessor_config.json.
type Config struct {
	DoResize             bool      `json:"do_resize"`
	Size                 int       `json:"size"`
	Resample             int       `json:"resample"`
	DoNormalize          bool      `json:"do_normalize"`
	ImageMean            []float32 `json:"image_mean"`
	ImageStd             []float32 `json:"image_std"`
	DoReduceLabels       bool      `json:"do_reduce_labels"`
	FeatureExtractorType string    `json:"feature_extractor_type"`
}

// DefaultConfig returns the settings of the released checkpoints: 512×512
// bilinear resize and ImageNet statistics.
func DefaultConfig() Config {
	return Config{
		DoResize:             true,
		Size:                 512,
		Resample:             ResampleBilinear,
		DoNormalize:          true,
		ImageMean:            []float32{0.485, 0.456, 0.406},
		ImageStd:             []float32{0.229, 0.224, 0.225},
		FeatureExtractorType: "SegformerFeatureExtractor",
	}
}

// Validate checks the config can be applied to RGB images.
func (c *Config) Validate() error {
	if c.DoResize && c.Size <= 0 {
		return fmt.Errorf("preprocess: size must be positive, got %d", c.Size)
	}
	if c.DoNormalize {
		if len(c.ImageMean) != 3 || len(c.ImageStd) != 3 {
			return fmt.Errorf("preprocess: image_mean and image_std need 3 entries, got %d and %d", len(c.ImageMean), len(c.ImageStd))
		}
		for i, s := range c.ImageStd {
			if s == 0 {
				return fmt.Errorf("preprocess: image_std[%d] is zero", i)
			}
		}
	}
	switch c.Resample {
	case ResampleNearest, ResampleBilinear, ResampleBicubic:
	default:
		return fmt.Errorf("preprocess: unsupported resample filter %d", c.Resample)
	}
	return nil
}

// LoadConfig reads a preprocessor_config.json. Missing fields keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("preprocess: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Decode reads an image in any registered format (JPEG, PNG, WebP, BMP,
// TIFF).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("preprocess: %w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// DecodeBytes decodes an in-memory image.
func DecodeBytes(data []byte) (image.Image, error) {
	img, _, err := Decode(bytes.NewReader(data))
	return img, err
}

// Open decodes the image file at path.
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func (c *Config) scaler() draw.Scaler {
	switch c.Resample {
	case ResampleNearest:
		return draw.NearestNeighbor
	case ResampleBicubic:
		return draw.CatmullRom
	default:
		return draw.BiLinear
	}
}

// Resize scales img to the configured square size, or copies it to RGBA
// when resizing is off.
func (c *Config) Resize(img image.Image) *image.RGBA {
	b := img.Bounds()
	if !c.DoResize {
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	dst := image.NewRGBA(image.Rect(0, 0, c.Size, c.Size))
	c.scaler().Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Pixels converts img to a normalised (3, H, W) feature map.
func (c *Config) Pixels(img image.Image) tensor.FeatureMap {
	rgba := c.Resize(img)
	w, h := rgba.Bounds().Dx(), rgba.Bounds().Dy()
	fm := tensor.NewFeatureMap(3, h, w)
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := rgba.PixOffset(x, y)
			p := y*w + x
			for ch := 0; ch < 3; ch++ {
				v := float32(rgba.Pix[off+ch]) / 255
				if c.DoNormalize {
					v = (v - c.ImageMean[ch]) / c.ImageStd[ch]
				}
				fm.Data[ch*plane+p] = v
			}
		}
	}
	return fm
}

// Batch preprocesses images into a (B, 3, H, W) tensor. With resizing off
// every image must already have the same size.
func (c *Config) Batch(images ...image.Image) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("preprocess: no images")
	}
	var out *tensor.Tensor
	for i, img := range images {
		fm := c.Pixels(img)
		if out == nil {
			out = tensor.New(len(images), 3, fm.H, fm.W)
		} else if fm.H != out.Dim(2) || fm.W != out.Dim(3) {
			return nil, fmt.Errorf("preprocess: image %d is %dx%d, batch is %dx%d", i, fm.W, fm.H, out.Dim(3), out.Dim(2))
		}
		copy(out.Sample(i), fm.Data)
	}
	return out, nil
}

// ReduceLabels shifts a ground-truth class map down by one so that the
// "other" class 0 becomes ignoreIndex, as done for ADE20K annotations.
func ReduceLabels(classes []int, ignoreIndex int) {
	for i, v := range classes {
		switch {
		case v == 0 || v == ignoreIndex:
			classes[i] = ignoreIndex
		default:
			classes[i] = v - 1
		}
	}
}
