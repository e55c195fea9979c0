// Package embeddings - text/semantic category embeddings and the
// cosine-similarity classifier branch built on top of them.
package embeddings

import (
	"encoding/binary"
	"math/rand"
	"os"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tal/layers"
	"github.com/nvr-ai/go-tal/pyramid"
)

const normEpsilon = 1e-10

// Loader resolves the external per-category embedding matrix. The core never
// touches storage paths directly; configuration picks the implementation.
type Loader interface {
	// Load returns the embedding matrix with shape [vocab, dim].
	Load() (*tensor.Dense, error)
}

// FileLoader reads an embedding matrix from a flat binary file: two little
// endian uint32 header words (rows, cols) followed by rows*cols float32
// values, row major.
type FileLoader struct {
	Path string
}

// Load reads and validates the embedding file.
func (f FileLoader) Load() (*tensor.Dense, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "read embeddings %s", f.Path)
	}
	if len(data) < 8 {
		return nil, errors.Errorf("embeddings %s truncated: %d bytes", f.Path, len(data))
	}
	rows := int(binary.LittleEndian.Uint32(data[0:4]))
	cols := int(binary.LittleEndian.Uint32(data[4:8]))
	want := 8 + rows*cols*4
	if rows <= 0 || cols <= 0 || len(data) != want {
		return nil, errors.Errorf("embeddings %s malformed: %dx%d with %d bytes", f.Path, rows, cols, len(data))
	}
	vals := make([]float32, rows*cols)
	for i := range vals {
		vals[i] = math32.Float32frombits(binary.LittleEndian.Uint32(data[8+i*4:]))
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.Of(tensor.Float32), tensor.WithBacking(vals)), nil
}

// Static serves a fixed in-memory matrix. Used by tests and by callers that
// prepare embeddings elsewhere.
type Static struct {
	Matrix *tensor.Dense
}

// Load returns the wrapped matrix.
func (s Static) Load() (*tensor.Dense, error) {
	if s.Matrix == nil {
		return nil, errors.New("no embedding matrix set")
	}
	return s.Matrix, nil
}

// Classifier scores pyramid features against the projected, L2-normalized
// embedding matrix. The similarity is scaled by exp(logitScale), a learned
// temperature initialized to log(1/0.08).
type Classifier struct {
	// keys holds the processed embeddings [vocab, dim], rows unit length.
	keys       []float32
	vocab      int
	dim        int
	logitScale float32
}

// NewClassifier loads the embeddings through the injected loader, applies the
// learned projection with a residual connection and activation, and
// L2-normalizes each row once.
//
// Arguments:
// - loader: Source of the raw embedding matrix.
// - rng: Initialization randomness for the projection.
//
// Returns:
// - The ready classifier.
// - An error if loading fails or the matrix is degenerate.
func NewClassifier(loader Loader, rng *rand.Rand) (*Classifier, error) {
	raw, err := loader.Load()
	if err != nil {
		return nil, err
	}
	shape := raw.Shape()
	if len(shape) != 2 {
		return nil, errors.Errorf("expected [vocab, dim] embeddings, got shape %v", shape)
	}
	vocab, dim := shape[0], shape[1]

	proj := layers.NewLinear(dim, dim, rng)
	transformed, err := proj.ForwardRows(raw)
	if err != nil {
		return nil, err
	}
	tData := transformed.Data().([]float32)
	layers.ReLU(tData)
	rData := raw.Data().([]float32)

	keys := make([]float32, vocab*dim)
	for r := 0; r < vocab; r++ {
		var norm float32
		for c := 0; c < dim; c++ {
			v := rData[r*dim+c] + tData[r*dim+c]
			keys[r*dim+c] = v
			norm += v * v
		}
		norm = math32.Sqrt(norm) + normEpsilon
		for c := 0; c < dim; c++ {
			keys[r*dim+c] /= norm
		}
	}
	return &Classifier{
		keys:       keys,
		vocab:      vocab,
		dim:        dim,
		logitScale: math32.Log(1 / 0.08),
	}, nil
}

// Vocab returns the number of embedding categories.
func (c *Classifier) Vocab() int {
	return c.vocab
}

// Forward produces one logits map [vocab, T_i] per pyramid level: each
// timestep's feature vector is L2-normalized and scored against every
// embedding row, scaled by the temperature. Masked locations are zeroed.
func (c *Classifier) Forward(levels []pyramid.Level) ([]*tensor.Dense, error) {
	scale := math32.Exp(c.logitScale)
	out := make([]*tensor.Dense, len(levels))
	for l, lvl := range levels {
		if lvl.Channels() != c.dim {
			return nil, errors.Errorf("level %d has %d channels, embeddings have dim %d", l, lvl.Channels(), c.dim)
		}
		seqLen := lvl.T()
		feats := lvl.Data()
		logits := make([]float32, c.vocab*seqLen)
		col := make([]float32, c.dim)
		for t := 0; t < seqLen; t++ {
			if !lvl.Mask[t] {
				continue
			}
			var norm float32
			for d := 0; d < c.dim; d++ {
				v := feats[d*seqLen+t]
				col[d] = v
				norm += v * v
			}
			norm = math32.Sqrt(norm) + normEpsilon
			for v := 0; v < c.vocab; v++ {
				key := c.keys[v*c.dim : (v+1)*c.dim]
				var dot float32
				for d := 0; d < c.dim; d++ {
					dot += key[d] * col[d]
				}
				logits[v*seqLen+t] = scale * dot / norm
			}
		}
		out[l] = tensor.New(tensor.WithShape(c.vocab, seqLen), tensor.Of(tensor.Float32), tensor.WithBacking(logits))
	}
	return out, nil
}
