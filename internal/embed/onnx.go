package embed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
)

// ONNXConfig locates a sentence-transformer model exported to ONNX.
type ONNXConfig struct {
	// ModelDir holds model.onnx and vocab.txt (or tokenizer/vocab.txt).
	ModelDir string
	// SharedLibrary overrides the onnxruntime library lookup.
	SharedLibrary string
	SeqLen        int
	Dimension     int
	// TokenTypeIDs feeds a zero token_type_ids input; BERT-family exports
	// require it.
	TokenTypeIDs bool
}

// ONNXEmbedder runs a transformer encoder through onnxruntime and mean-pools
// its last hidden state into a unit-length sentence vector.
type ONNXEmbedder struct {
	session   *ort.AdvancedSession
	tokenizer *WordPieceTokenizer
	seqLen    int
	dim       int

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypes    *ort.Tensor[int64]
	output        *ort.Tensor[float32]

	// The session binds fixed tensors, so runs are serialized.
	mu sync.Mutex
}

// LoadONNXEmbedder initializes the runtime, tokenizer and session.
func LoadONNXEmbedder(cfg ONNXConfig) (*ONNXEmbedder, error) {
	if cfg.ModelDir == "" {
		return nil, errors.New("onnx: model dir is empty")
	}
	if cfg.SeqLen <= 0 {
		cfg.SeqLen = 128
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	libPath := cfg.SharedLibrary
	if libPath == "" {
		libPath = resolveSharedLibraryPath(cfg.ModelDir)
	}
	if libPath == "" {
		return nil, errors.New("onnx: onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}

	modelPath := filepath.Join(cfg.ModelDir, "model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("onnx: model file missing at %s: %w", modelPath, err)
	}
	tokenizer, err := loadTokenizerFromDir(cfg.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}

	e := &ONNXEmbedder{tokenizer: tokenizer, seqLen: cfg.SeqLen, dim: cfg.Dimension}
	if err := e.allocate(cfg, modelPath); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *ONNXEmbedder) allocate(cfg ONNXConfig, modelPath string) error {
	var err error
	inputShape := ort.NewShape(1, int64(cfg.SeqLen))
	if e.inputIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return fmt.Errorf("onnx: allocate input_ids: %w", err)
	}
	if e.attentionMask, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return fmt.Errorf("onnx: allocate attention_mask: %w", err)
	}
	inputNames := []string{"input_ids", "attention_mask"}
	inputs := []ort.Value{e.inputIDs, e.attentionMask}
	if cfg.TokenTypeIDs {
		if e.tokenTypes, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
			return fmt.Errorf("onnx: allocate token_type_ids: %w", err)
		}
		inputNames = append(inputNames, "token_type_ids")
		inputs = append(inputs, e.tokenTypes)
	}
	if e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.SeqLen), int64(cfg.Dimension))); err != nil {
		return fmt.Errorf("onnx: allocate output: %w", err)
	}

	e.session, err = ort.NewAdvancedSession(
		modelPath,
		inputNames,
		[]string{"last_hidden_state"},
		inputs,
		[]ort.Value{e.output},
		nil,
	)
	if err != nil {
		return fmt.Errorf("onnx: create session: %w", err)
	}
	return nil
}

func (e *ONNXEmbedder) Dimension() int { return e.dim }

func (e *ONNXEmbedder) Embed(ctx context.Context, text string) (engine.Vector, error) {
	if e == nil || e.session == nil {
		return nil, unavailable(errors.New("onnx embedder not initialized"))
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}

	ids, mask := e.tokenizer.Encode(text, e.seqLen)

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputIDs.GetData(), ids)
	copy(e.attentionMask.GetData(), mask)
	if e.tokenTypes != nil {
		clear(e.tokenTypes.GetData())
	}
	if err := e.session.Run(); err != nil {
		return nil, unavailable(fmt.Errorf("onnx run: %w", err))
	}

	v := meanPool(e.output.GetData(), mask, e.dim)
	normalize(v)
	return v, nil
}

// Close releases the session and tensors.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		e.session.Destroy()
	}
	for _, t := range []*ort.Tensor[int64]{e.inputIDs, e.attentionMask, e.tokenTypes} {
		if t != nil {
			t.Destroy()
		}
	}
	if e.output != nil {
		e.output.Destroy()
	}
	return nil
}

// meanPool averages hidden states [seq, dim] over positions where mask is 1.
func meanPool(hidden []float32, mask []int64, dim int) engine.Vector {
	out := make(engine.Vector, dim)
	var n float32
	for pos, m := range mask {
		if m == 0 {
			continue
		}
		row := hidden[pos*dim : (pos+1)*dim]
		for i, x := range row {
			out[i] += x
		}
		n++
	}
	if n > 0 {
		for i := range out {
			out[i] /= n
		}
	}
	return out
}

func loadTokenizerFromDir(dir string) (*WordPieceTokenizer, error) {
	for _, path := range []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	} {
		if _, err := os.Stat(path); err == nil {
			return LoadWordPieceTokenizer(path)
		}
	}
	return nil, fmt.Errorf("vocab.txt not found under %s", dir)
}

// resolveSharedLibraryPath locates a platform onnxruntime library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins over the searched locations.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{"libonnxruntime.so", "libonnxruntime.dylib", "onnxruntime.dll"}
	dirs := []string{modelDir, filepath.Join(modelDir, "lib"), "/usr/local/lib", "/usr/lib", "/opt/homebrew/lib"}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
