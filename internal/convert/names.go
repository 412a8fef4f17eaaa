package convert

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/samcharles93/segformer/internal/checkpoint"
	"github.com/samcharles93/segformer/internal/labels"
	"github.com/samcharles93/segformer/internal/segformer"
)

// ImageNetClasses is the label count of the ImageNet-1k encoder checkpoints.
const ImageNetClasses = 1000

var (
	variantRe = regexp.MustCompile(`(?:^|[^a-z0-9])(?:mit-)?b([0-5])(?:[^0-9]|$)`)
	sizeRe    = regexp.MustCompile(`(\d{3,4})[-x](\d{3,4})`)
)

// ModelInfo is what a released checkpoint name says about its architecture.
type ModelInfo struct {
	Variant   string
	Dataset   string
	Head      checkpoint.Head
	ImageSize int
}

// ParseModelName reads names such as "segformer.b0.512x512.ade.160k",
// "segformer-b2-finetuned-cityscapes-1024-1024" or "mit-b3".
func ParseModelName(name string) (ModelInfo, error) {
	lower := strings.ToLower(name)
	m := variantRe.FindStringSubmatch(lower)
	if m == nil {
		return ModelInfo{}, fmt.Errorf("convert: cannot find an encoder size (b0..b5) in %q", name)
	}
	info := ModelInfo{Variant: "b" + m[1]}
	switch {
	case strings.Contains(lower, "ade"):
		info.Dataset, info.Head, info.ImageSize = labels.ADE20K.Name, checkpoint.HeadSegmentation, 512
	case strings.Contains(lower, "city"):
		info.Dataset, info.Head, info.ImageSize = labels.Cityscapes.Name, checkpoint.HeadSegmentation, 1024
	case strings.Contains(lower, "imagenet"), strings.HasPrefix(lower, "mit"):
		info.Dataset, info.Head, info.ImageSize = "imagenet", checkpoint.HeadClassification, 224
	default:
		return ModelInfo{}, fmt.Errorf("convert: cannot tell the dataset of %q", name)
	}
	if s := sizeRe.FindStringSubmatch(lower); s != nil {
		info.ImageSize, _ = strconv.Atoi(s[1])
	}
	return info, nil
}

// Config builds the model config described by the name.
func (info ModelInfo) Config() (segformer.Config, error) {
	cfg, err := segformer.Variant(info.Variant)
	if err != nil {
		return segformer.Config{}, err
	}
	cfg.ImageSize = info.ImageSize
	switch info.Head {
	case checkpoint.HeadClassification:
		cfg.Architectures = []string{"SegformerForImageClassification"}
		names := make([]string, ImageNetClasses)
		for i := range names {
			names[i] = "LABEL_" + strconv.Itoa(i)
		}
		cfg.SetLabels(names)
	case checkpoint.HeadSegmentation:
		cfg.Architectures = []string{"SegformerForSemanticSegmentation"}
		table, err := labels.ByName(info.Dataset)
		if err != nil {
			return segformer.Config{}, err
		}
		cfg.SetLabels(table.Labels)
	default:
		cfg.Architectures = []string{"SegformerModel"}
	}
	return cfg, nil
}

// HeadFromConfig picks the task head named by the config's architectures.
func HeadFromConfig(cfg *segformer.Config) checkpoint.Head {
	for _, a := range cfg.Architectures {
		switch {
		case strings.HasSuffix(a, "ForSemanticSegmentation"):
			return checkpoint.HeadSegmentation
		case strings.HasSuffix(a, "ForImageClassification"):
			return checkpoint.HeadClassification
		}
	}
	return checkpoint.HeadNone
}
