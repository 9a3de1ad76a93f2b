package checkpoints

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoint format using the protobuf wire encoding. Field numbers:
//
//	Checkpoint:    1 name (string), 2 weights (repeated message),
//	               3 state (message), 4 metadata (message)
//	WeightTensor:  1 name (string), 2 shape (packed varint), 3 data (packed fixed32)
//	TrainingState: 1 epoch (varint), 2 iteration (varint), 3 lr (fixed64),
//	               4 best metric (fixed64), 5 confidence threshold (fixed64)
//	Metadata:      1 version, 2 framework, 3 created-at unix nanos (varint),
//	               4 run id, 5 description

func marshalCheckpoint(ckpt *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, ckpt.Name)

	for _, w := range ckpt.Weights {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(&w))
	}

	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalState(&ckpt.State))

	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(&ckpt.Meta))

	return b, nil
}

func marshalWeight(w *WeightTensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var shape []byte
	for _, dim := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(dim))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	var data []byte
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func marshalState(s *TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Epoch))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Iteration))
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.LearningRate))
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.BestMetric))
	b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.ConfidenceThreshold))
	return b
}

func marshalMetadata(m *Metadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, m.RunID)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, m.Description)
	return b
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	ckpt := &Checkpoint{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("invalid tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return nil, errors.Errorf("unexpected wire type %d for field %d", typ, num)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.Errorf("invalid bytes field %d", num)
		}
		b = b[n:]

		switch num {
		case 1:
			ckpt.Name = string(v)
		case 2:
			w, err := unmarshalWeight(v)
			if err != nil {
				return nil, errors.Wrap(err, "decoding weight tensor")
			}
			ckpt.Weights = append(ckpt.Weights, *w)
		case 3:
			s, err := unmarshalState(v)
			if err != nil {
				return nil, errors.Wrap(err, "decoding training state")
			}
			ckpt.State = *s
		case 4:
			m, err := unmarshalMetadata(v)
			if err != nil {
				return nil, errors.Wrap(err, "decoding metadata")
			}
			ckpt.Meta = *m
		}
	}
	return ckpt, nil
}

func unmarshalWeight(b []byte) (*WeightTensor, error) {
	w := &WeightTensor{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("invalid tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return nil, errors.Errorf("unexpected wire type %d for field %d", typ, num)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, errors.Errorf("invalid bytes field %d", num)
		}
		b = b[n:]

		switch num {
		case 1:
			w.Name = string(v)
		case 2:
			for len(v) > 0 {
				dim, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return nil, errors.New("invalid shape varint")
				}
				v = v[n:]
				w.Shape = append(w.Shape, int(dim))
			}
		case 3:
			if len(v)%4 != 0 {
				return nil, errors.Errorf("weight data length %d is not a multiple of 4", len(v))
			}
			w.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return nil, errors.New("invalid fixed32 value")
				}
				v = v[n:]
				w.Data = append(w.Data, math.Float32frombits(uint32(bits)))
			}
		}
	}
	return w, nil
}

func unmarshalState(b []byte) (*TrainingState, error) {
	s := &TrainingState{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("invalid tag")
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Errorf("invalid varint field %d", num)
			}
			b = b[n:]
			switch num {
			case 1:
				s.Epoch = int(v)
			case 2:
				s.Iteration = int(v)
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, errors.Errorf("invalid fixed64 field %d", num)
			}
			b = b[n:]
			switch num {
			case 3:
				s.LearningRate = math.Float64frombits(v)
			case 4:
				s.BestMetric = math.Float64frombits(v)
			case 5:
				s.ConfidenceThreshold = math.Float64frombits(v)
			}
		default:
			return nil, errors.Errorf("unexpected wire type %d for field %d", typ, num)
		}
	}
	return s, nil
}

func unmarshalMetadata(b []byte) (*Metadata, error) {
	m := &Metadata{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.New("invalid tag")
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Errorf("invalid bytes field %d", num)
			}
			b = b[n:]
			switch num {
			case 1:
				m.Version = string(v)
			case 2:
				m.Framework = string(v)
			case 4:
				m.RunID = string(v)
			case 5:
				m.Description = string(v)
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Errorf("invalid varint field %d", num)
			}
			b = b[n:]
			if num == 3 {
				m.CreatedAt = time.Unix(0, int64(v))
			}
		default:
			return nil, errors.Errorf("unexpected wire type %d for field %d", typ, num)
		}
	}
	return m, nil
}
