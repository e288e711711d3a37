// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/gob"
	"os"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Storage defines how the values of a tensor are stored when serialized.
type Storage uint8

const (
	// StorageFloat64 stores values losslessly.
	StorageFloat64 Storage = iota

	// StorageFloat16 stores values as IEEE 754 half-precision floats, a quarter of the size,
	// with about 3 decimal digits of precision.
	StorageFloat16
)

// String implements fmt.Stringer.
func (s Storage) String() string {
	switch s {
	case StorageFloat64:
		return "float64"
	case StorageFloat16:
		return "float16"
	default:
		return "invalid"
	}
}

// ParseStorage converts a storage name ("float64" or "float16") to Storage.
func ParseStorage(name string) (Storage, error) {
	switch name {
	case "float64", "":
		return StorageFloat64, nil
	case "float16":
		return StorageFloat16, nil
	}
	return StorageFloat64, errors.Errorf("unknown tensor storage %q, valid values are \"float64\" or \"float16\"", name)
}

// GobSerialize Tensor in binary format, using the given storage for the values.
//
// It returns an error for I/O errors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder, storage Storage) error {
	err := t.shape.GobSerialize(encoder)
	if err != nil {
		return err
	}
	if err = encoder.Encode(storage); err != nil {
		return errors.Wrapf(err, "failed to write tensor storage type")
	}
	switch storage {
	case StorageFloat64:
		err = encoder.Encode(t.flat)
	case StorageFloat16:
		halfs := make([]uint16, len(t.flat))
		for ii, v := range t.flat {
			halfs[ii] = float16.Fromfloat32(float32(v)).Bits()
		}
		err = encoder.Encode(halfs)
	default:
		return errors.Errorf("invalid tensor storage %d", storage)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write tensor data (%s)", storage)
	}
	return nil
}

// GobDeserialize a Tensor from the decoder. Values stored in float16 are converted back to float64.
func GobDeserialize(decoder *gob.Decoder) (*Tensor, error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to deserialize Tensor shape data")
	}
	var storage Storage
	if err = decoder.Decode(&storage); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor storage type")
	}
	t := &Tensor{shape: shape}
	switch storage {
	case StorageFloat64:
		err = decoder.Decode(&t.flat)
	case StorageFloat16:
		var halfs []uint16
		err = decoder.Decode(&halfs)
		if err == nil {
			t.flat = make([]float64, len(halfs))
			for ii, h := range halfs {
				t.flat[ii] = float64(float16.Frombits(h).Float32())
			}
		}
	default:
		return nil, errors.Errorf("invalid tensor storage %d", storage)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor data")
	}
	if len(t.flat) != shape.Size() {
		return nil, errors.Errorf("deserialized tensor has %d values, but shape %s requires %d",
			len(t.flat), shape, shape.Size())
	}
	return t, nil
}

// Save the tensor to the given file path.
func (t *Tensor) Save(filePath string, storage Storage) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save tensor", filePath)
	}
	enc := gob.NewEncoder(f)
	err = t.GobSerialize(enc, storage)
	if err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving Tensor to %q", filePath)
	}
	err = f.Close()
	if err != nil {
		return errors.Wrapf(err, "close file %q, where tensor was saved", filePath)
	}
	return nil
}

// Load a tensor from the file path given.
func Load(filePath string) (*Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load Tensor", filePath)
	}
	defer func() { _ = f.Close() }()
	t, err := GobDeserialize(gob.NewDecoder(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading Tensor from %q", filePath)
	}
	return t, nil
}
