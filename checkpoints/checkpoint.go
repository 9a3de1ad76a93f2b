// Package checkpoints saves and restores model weights together with the
// training state that matters for resuming self-training runs.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// Format defines the serialization format.
type Format int

const (
	FormatJSON Format = iota
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Checkpoint is a complete model state: weights plus training progress.
type Checkpoint struct {
	Name    string         `json:"name"`
	Weights []WeightTensor `json:"weights"`
	State   TrainingState  `json:"training_state"`
	Meta    Metadata       `json:"metadata"`
}

// WeightTensor is one parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures training progress at save time.
type TrainingState struct {
	Epoch               int     `json:"epoch"`
	Iteration           int     `json:"iteration"`
	LearningRate        float64 `json:"learning_rate"`
	BestMetric          float64 `json:"best_metric"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// Metadata identifies the run that produced the checkpoint.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id"`
	Description string    `json:"description,omitempty"`
}

// Saver reads and writes checkpoints in a fixed format.
type Saver struct {
	format Format
}

// NewSaver creates a checkpoint saver for the given format.
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Save writes the checkpoint to path, filling in metadata defaults.
func (s *Saver) Save(ckpt *Checkpoint, path string) error {
	if ckpt.Meta.Framework == "" {
		ckpt.Meta.Framework = "cellmatch"
		ckpt.Meta.Version = "1.0.0"
		ckpt.Meta.CreatedAt = time.Now()
	}
	if ckpt.Meta.RunID == "" {
		ckpt.Meta.RunID = uuid.New().String()
	}

	switch s.format {
	case FormatJSON:
		return s.saveJSON(ckpt, path)
	case FormatBinary:
		data, err := marshalCheckpoint(ckpt)
		if err != nil {
			return errors.Wrap(err, "encoding checkpoint")
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return errors.Wrap(err, "writing checkpoint file")
		}
		return nil
	default:
		return errors.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

// Load reads a checkpoint from path.
func (s *Saver) Load(path string) (*Checkpoint, error) {
	switch s.format {
	case FormatJSON:
		return s.loadJSON(path)
	case FormatBinary:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading checkpoint file")
		}
		ckpt, err := unmarshalCheckpoint(data)
		if err != nil {
			return nil, errors.Wrap(err, "decoding checkpoint")
		}
		return ckpt, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

func (s *Saver) saveJSON(ckpt *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(ckpt); err != nil {
		return errors.Wrap(err, "encoding checkpoint")
	}
	return nil
}

func (s *Saver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening checkpoint file")
	}
	defer file.Close()

	var ckpt Checkpoint
	if err := json.NewDecoder(file).Decode(&ckpt); err != nil {
		return nil, errors.Wrap(err, "decoding checkpoint")
	}
	return &ckpt, nil
}

// FromParameters extracts weight tensors from model parameters.
func FromParameters(params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data := make([]float32, p.NumElems)
		copy(data, p.Float32s())
		weights[i] = WeightTensor{
			Name:  fmt.Sprintf("param_%d", i),
			Shape: append([]int{}, p.Shape...),
			Data:  data,
		}
	}
	return weights
}

// LoadInto copies checkpoint weights back into model parameters. Parameters
// must be in the same order as they were extracted.
func LoadInto(ckpt *Checkpoint, params []*tensor.Tensor) error {
	if len(ckpt.Weights) != len(params) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(ckpt.Weights), len(params))
	}
	for i, w := range ckpt.Weights {
		p := params[i]
		if len(w.Data) != p.NumElems {
			return errors.Errorf("weight %s size mismatch: %d vs %d", w.Name, len(w.Data), p.NumElems)
		}
		copy(p.Float32s(), w.Data)
	}
	return nil
}
