package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nlpodyssey/safetensors"
	"go.uber.org/zap"

	"github.com/sparsha-ai/skin-api/internal/tensor"
)

// Checkpoint filenames probed in order when resolving the model
// artifact. The first two match the exported training runs, the last
// is the generic name used by newer exports.
var modelFileCandidates = []string{
	"sparsha_exp4_b4_epoch19.safetensors",
	"sparsha_exp4_epoch19.safetensors",
	"model.safetensors",
}

// defaultClassNames is the readable fallback when the checkpoint
// metadata does not carry the actual Dermnet label mapping.
var defaultClassNames = []string{
	"acne",
	"actinic_keratosis",
	"alopecia_areata",
	"basal_cell_carcinoma",
	"bullous_dermatosis",
	"cellulitis",
	"chickenpox",
	"eczema",
	"folliculitis",
	"herpes",
	"hidradenitis_suppurativa",
	"hives",
	"impetigo",
	"keratosis_pilaris",
	"lichen_planus",
	"melanoma",
	"molluscum_contagiosum",
	"psoriasis",
	"rosacea",
	"scabies",
	"seborrheic_dermatitis",
	"shingles",
	"vitiligo",
}

// Wrapper prefixes a checkpoint may carry around its parameter
// mapping, checked in priority order.
var wrapperPrefixes = []string{"state_dict.", "model_state_dict.", "model.", "net."}

const metadataHeaderKey = "__metadata__"

// Checkpoint is a parsed model artifact: the parameter mapping with
// wrapper and distributed-training prefixes already stripped, plus the
// raw string metadata from the container header.
type Checkpoint struct {
	Params   map[string]*tensor.Tensor
	Metadata map[string]string
}

// ResolveModelPath returns the first existing candidate file under
// dir, or an error naming every candidate when none exists.
func ResolveModelPath(dir string) (string, error) {
	for _, name := range modelFileCandidates {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("model file not found. Expected one of: %s", strings.Join(modelFileCandidates, ", "))
}

// LoadCheckpoint reads and parses a safetensors artifact.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	params, meta, err := parseSafetensors(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", filepath.Base(path), err)
	}

	params = extractStateDict(params)
	if len(params) == 0 {
		return nil, fmt.Errorf("checkpoint %s did not contain a parameter mapping", filepath.Base(path))
	}
	return &Checkpoint{Params: stripModulePrefix(params), Metadata: meta}, nil
}

// parseSafetensors decodes the container framing: an 8-byte
// little-endian header length, a JSON header of tensor name to
// TensorInfo (plus an optional __metadata__ string map), and the raw
// little-endian tensor payload.
func parseSafetensors(raw []byte) (map[string]*tensor.Tensor, map[string]string, error) {
	if len(raw) < 8 {
		return nil, nil, fmt.Errorf("truncated container: %d bytes", len(raw))
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > uint64(len(raw)-8) {
		return nil, nil, fmt.Errorf("header length %d exceeds file size", headerLen)
	}
	header := raw[8 : 8+headerLen]
	payload := raw[8+headerLen:]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(header, &entries); err != nil {
		return nil, nil, fmt.Errorf("invalid header: %w", err)
	}

	meta := map[string]string{}
	if rawMeta, ok := entries[metadataHeaderKey]; ok {
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			return nil, nil, fmt.Errorf("invalid %s block: %w", metadataHeaderKey, err)
		}
		delete(entries, metadataHeaderKey)
	}

	params := make(map[string]*tensor.Tensor, len(entries))
	for name, rawInfo := range entries {
		// safetensors.DType has no JSON unmarshaller, so decode the
		// dtype as its string form and parse it through the library.
		var rawFields struct {
			DType       string    `json:"dtype"`
			Shape       []uint64  `json:"shape"`
			DataOffsets [2]uint64 `json:"data_offsets"`
		}
		if err := json.Unmarshal(rawInfo, &rawFields); err != nil {
			return nil, nil, fmt.Errorf("invalid tensor info for %q: %w", name, err)
		}
		dt, dtErr := safetensors.ParseDType(rawFields.DType)
		if dtErr != nil || dt != safetensors.F32 {
			return nil, nil, fmt.Errorf("tensor %q has unsupported dtype %s", name, rawFields.DType)
		}
		info := safetensors.TensorInfo{DType: dt, Shape: rawFields.Shape, DataOffsets: rawFields.DataOffsets}
		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin > end || end > uint64(len(payload)) {
			return nil, nil, fmt.Errorf("tensor %q has out-of-range data offsets", name)
		}
		shape := make([]int, len(info.Shape))
		count := 1
		for i, d := range info.Shape {
			shape[i] = int(d)
			count *= int(d)
		}
		if uint64(count*4) != end-begin {
			return nil, nil, fmt.Errorf("tensor %q shape does not match data size", name)
		}
		data := make([]float32, count)
		for i := range data {
			bits := binary.LittleEndian.Uint32(payload[begin+uint64(i*4):])
			data[i] = math.Float32frombits(bits)
		}
		params[name] = tensor.FromSlice(data, shape...)
	}
	return params, meta, nil
}

// extractStateDict unwraps the parameter mapping. Each known wrapper
// shape is tried in priority order; a wrapper matches when every key
// carries its prefix, and the first match wins. A mapping matching no
// wrapper is taken as a raw state dict.
func extractStateDict(params map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	for _, prefix := range wrapperPrefixes {
		if stripped, ok := tryStripPrefix(params, prefix); ok {
			return stripped
		}
	}
	return params
}

func tryStripPrefix(params map[string]*tensor.Tensor, prefix string) (map[string]*tensor.Tensor, bool) {
	if len(params) == 0 {
		return nil, false
	}
	for key := range params {
		if !strings.HasPrefix(key, prefix) {
			return nil, false
		}
	}
	out := make(map[string]*tensor.Tensor, len(params))
	for key, t := range params {
		out[key[len(prefix):]] = t
	}
	return out, true
}

// stripModulePrefix removes the "module." prefix DataParallel training
// leaves on every key, first occurrence only, so the mapping loads
// onto a single-device topology.
func stripModulePrefix(params map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(params))
	for key, t := range params {
		if strings.HasPrefix(key, "module.") {
			key = key[len("module."):]
		}
		out[key] = t
	}
	return out
}

// recoverClassNames probes the checkpoint metadata for the
// conventional label keys. Returns nil when none is present.
func recoverClassNames(meta map[string]string) []string {
	for _, key := range []string{"class_to_idx", "classes", "class_names", "idx_to_class"} {
		raw, ok := meta[key]
		if !ok {
			continue
		}
		switch key {
		case "class_to_idx":
			var mapping map[string]int
			if err := json.Unmarshal([]byte(raw), &mapping); err != nil || len(mapping) == 0 {
				continue
			}
			names := make([]string, 0, len(mapping))
			for name := range mapping {
				names = append(names, name)
			}
			sort.Slice(names, func(i, j int) bool { return mapping[names[i]] < mapping[names[j]] })
			return names
		case "classes", "class_names":
			var names []string
			if err := json.Unmarshal([]byte(raw), &names); err != nil || len(names) == 0 {
				continue
			}
			return names
		case "idx_to_class":
			var mapping map[string]string
			if err := json.Unmarshal([]byte(raw), &mapping); err != nil || len(mapping) == 0 {
				continue
			}
			indices := make([]int, 0, len(mapping))
			byIndex := make(map[int]string, len(mapping))
			valid := true
			for k, name := range mapping {
				idx, err := strconv.Atoi(k)
				if err != nil {
					valid = false
					break
				}
				indices = append(indices, idx)
				byIndex[idx] = name
			}
			if !valid {
				continue
			}
			sort.Ints(indices)
			names := make([]string, 0, len(indices))
			for _, idx := range indices {
				names = append(names, byIndex[idx])
			}
			return names
		}
	}
	return nil
}

// inferNumClasses reads the authoritative class count from the final
// classification layer's weights. Returns 0 when neither key exists.
func inferNumClasses(params map[string]*tensor.Tensor) int {
	for _, key := range []string{"classifier.1.weight", "classifier.1.bias"} {
		if t, ok := params[key]; ok && len(t.Shape) > 0 {
			return t.Shape[0]
		}
	}
	return 0
}

// reconcileLabels forces the label list to numClasses entries, padding
// with synthetic names or truncating. Any change means the deployed
// label configuration drifted from the checkpoint's training labels,
// so it is logged loudly; predictions may be mislabeled until the two
// are realigned.
func reconcileLabels(labels []string, numClasses int, logger *zap.SugaredLogger) []string {
	if numClasses <= 0 || len(labels) == numClasses {
		return labels
	}
	reconciled := make([]string, 0, numClasses)
	if len(labels) < numClasses {
		reconciled = append(reconciled, labels...)
		for i := len(labels); i < numClasses; i++ {
			reconciled = append(reconciled, fmt.Sprintf("class_%d", i))
		}
	} else {
		reconciled = append(reconciled, labels[:numClasses]...)
	}
	logger.Warnw("label list does not match checkpoint class count; predictions may be mislabeled",
		"configured_labels", len(labels),
		"checkpoint_classes", numClasses,
	)
	return reconciled
}
