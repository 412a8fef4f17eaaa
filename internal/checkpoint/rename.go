package checkpoint

import (
	"fmt"
	"maps"
	"strings"
)

// Entry maps one source parameter to one destination, or, for fused
// projections, to several destinations that receive equal row slices.
type Entry struct {
	Src      string
	Dst      []string
	Optional bool
}

// Split reports whether the entry slices a fused tensor.
func (e Entry) Split() bool {
	return len(e.Dst) > 1
}

// Table is a complete key mapping for one architecture instance.
type Table struct {
	Entries []Entry
	// Source keys with these prefixes are discarded.
	Drop []string
	// Prefixes removed from source keys before lookup.
	Strip []string
}

// Head selects the task head whose parameters the table covers.
type Head int

const (
	HeadNone Head = iota
	HeadSegmentation
	HeadClassification
)

func (h Head) String() string {
	switch h {
	case HeadSegmentation:
		return "segmentation"
	case HeadClassification:
		return "classification"
	default:
		return "encoder"
	}
}

// RenameOptions tune RenameTable for a particular source layout.
type RenameOptions struct {
	// SRRatios gives the spatial reduction per stage; stages with a ratio of
	// one carry no sr/norm parameters. Nil means reduction on every stage but
	// the last, which is how all released encoders are configured.
	SRRatios []int
	// FusedQKV selects a source attention with one qkv projection instead of
	// separate q and kv projections.
	FusedQKV bool
	Head     Head
	// TargetPrefix is prepended to encoder keys. Task models use "segformer.".
	TargetPrefix string
}

// RenameTable builds the mapping from the original MiT/mmseg parameter names
// to this repository's names for an encoder with the given per-stage depths
// and a decode head with decoderLayers input projections.
func RenameTable(depths []int, decoderLayers int, opts RenameOptions) *Table {
	t := &Table{
		Drop:  []string{"decode_head.conv_seg.", "auxiliary_head."},
		Strip: []string{"backbone.", "module."},
	}
	tp := opts.TargetPrefix
	param := func(src, dst string, suffixes ...string) {
		for _, s := range suffixes {
			t.Entries = append(t.Entries, Entry{Src: src + "." + s, Dst: []string{dst + "." + s}})
		}
	}
	wb := []string{"weight", "bias"}

	for i, depth := range depths {
		sr := i < len(depths)-1
		if opts.SRRatios != nil {
			sr = i < len(opts.SRRatios) && opts.SRRatios[i] > 1
		}

		param(fmt.Sprintf("patch_embed%d.proj", i+1), fmt.Sprintf("%sencoder.patch_embeddings.%d.proj", tp, i), wb...)
		param(fmt.Sprintf("patch_embed%d.norm", i+1), fmt.Sprintf("%sencoder.patch_embeddings.%d.layer_norm", tp, i), wb...)

		for j := range depth {
			src := fmt.Sprintf("block%d.%d", i+1, j)
			dst := fmt.Sprintf("%sencoder.block.%d.%d", tp, i, j)
			self := dst + ".attention.self"

			param(src+".norm1", dst+".layer_norm_1", wb...)
			if opts.FusedQKV {
				for _, s := range wb {
					t.Entries = append(t.Entries, Entry{
						Src: src + ".attn.qkv." + s,
						Dst: []string{self + ".query." + s, self + ".key." + s, self + ".value." + s},
					})
				}
			} else {
				param(src+".attn.q", self+".query", wb...)
				for _, s := range wb {
					t.Entries = append(t.Entries, Entry{
						Src: src + ".attn.kv." + s,
						Dst: []string{self + ".key." + s, self + ".value." + s},
					})
				}
			}
			if sr {
				param(src+".attn.sr", self+".sr", wb...)
				param(src+".attn.norm", self+".layer_norm", wb...)
			}
			param(src+".attn.proj", dst+".attention.output.dense", wb...)
			param(src+".norm2", dst+".layer_norm_2", wb...)
			param(src+".mlp.fc1", dst+".mlp.dense1", wb...)
			param(src+".mlp.dwconv.dwconv", dst+".mlp.dwconv.dwconv", wb...)
			param(src+".mlp.fc2", dst+".mlp.dense2", wb...)
		}
		param(fmt.Sprintf("norm%d", i+1), fmt.Sprintf("%sencoder.layer_norm.%d", tp, i), wb...)
	}

	switch opts.Head {
	case HeadSegmentation:
		for i := range decoderLayers {
			param(fmt.Sprintf("decode_head.linear_c%d.proj", i+1), fmt.Sprintf("decode_head.linear_c.%d.proj", i), wb...)
		}
		param("decode_head.linear_fuse.conv", "decode_head.linear_fuse", "weight")
		param("decode_head.linear_fuse.bn", "decode_head.batch_norm", "weight", "bias", "running_mean", "running_var")
		t.Entries = append(t.Entries, Entry{
			Src:      "decode_head.linear_fuse.bn.num_batches_tracked",
			Dst:      []string{"decode_head.batch_norm.num_batches_tracked"},
			Optional: true,
		})
		param("decode_head.linear_pred", "decode_head.classifier", wb...)
	case HeadClassification:
		param("head", "classifier", wb...)
	}
	return t
}

// Validate checks that the table is a bijection: every source and every
// destination key appears exactly once.
func (t *Table) Validate() error {
	srcs := make(map[string]struct{}, len(t.Entries))
	dsts := make(map[string]struct{}, len(t.Entries))
	for _, e := range t.Entries {
		if len(e.Dst) == 0 {
			return fmt.Errorf("checkpoint: rename %s has no destination", e.Src)
		}
		if _, dup := srcs[e.Src]; dup {
			return fmt.Errorf("checkpoint: %w: source %s", ErrDuplicateKey, e.Src)
		}
		srcs[e.Src] = struct{}{}
		for _, d := range e.Dst {
			if _, dup := dsts[d]; dup {
				return fmt.Errorf("checkpoint: %w: destination %s", ErrDuplicateKey, d)
			}
			dsts[d] = struct{}{}
		}
	}
	return nil
}

// Sources returns the source keys in table order.
func (t *Table) Sources() []string {
	out := make([]string, len(t.Entries))
	for i, e := range t.Entries {
		out[i] = e.Src
	}
	return out
}

// Destinations returns every destination key in table order.
func (t *Table) Destinations() []string {
	var out []string
	for _, e := range t.Entries {
		out = append(out, e.Dst...)
	}
	return out
}

// Normalize removes wrapper prefixes and drops auxiliary parameters from sd.
func (t *Table) Normalize(sd StateDict) error {
	for _, p := range t.Strip {
		if err := sd.StripPrefix(p); err != nil {
			return err
		}
	}
	for _, k := range sd.Keys() {
		for _, p := range t.Drop {
			if strings.HasPrefix(k, p) {
				delete(sd, k)
				break
			}
		}
	}
	return nil
}

// Leftovers returns the keys of sd that the table neither maps nor drops,
// in sorted order.
func (t *Table) Leftovers(sd StateDict) []string {
	known := make(map[string]struct{}, len(t.Entries))
	for _, e := range t.Entries {
		known[e.Src] = struct{}{}
	}
	var out []string
	for _, k := range sd.Keys() {
		name := k
		for _, p := range t.Strip {
			name = strings.TrimPrefix(name, p)
		}
		if _, ok := known[name]; ok {
			continue
		}
		if t.dropped(name) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (t *Table) dropped(k string) bool {
	for _, p := range t.Drop {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

// Apply renames sd in place. Fused entries are split into equal row slices.
// The work happens on a copy: on any error, including ErrKeyNotFound for an
// absent required key, sd is left exactly as the caller passed it, prefixes
// and auxiliary heads included.
func (t *Table) Apply(sd StateDict) error {
	work := maps.Clone(sd)
	if err := t.Normalize(work); err != nil {
		return err
	}
	renamed := make(StateDict, len(work))
	for _, e := range t.Entries {
		src, ok := work[e.Src]
		if !ok {
			if e.Optional {
				continue
			}
			return fmt.Errorf("checkpoint: rename: %w: %s", ErrKeyNotFound, e.Src)
		}
		if !e.Split() {
			renamed[e.Dst[0]] = src
			continue
		}
		parts, err := SplitRows(src, len(e.Dst))
		if err != nil {
			return fmt.Errorf("checkpoint: split %s: %w", e.Src, err)
		}
		for i, d := range e.Dst {
			renamed[d] = parts[i]
		}
	}
	for _, e := range t.Entries {
		delete(work, e.Src)
	}
	for k := range renamed {
		if _, clash := work[k]; clash {
			return fmt.Errorf("checkpoint: rename: %w: %s", ErrDuplicateKey, k)
		}
	}
	clear(sd)
	maps.Copy(sd, work)
	maps.Copy(sd, renamed)
	return nil
}
