package model

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"prostate-seg/internal/tensor"
)

// StateDictFormat tags checkpoint files written by SaveStateDict.
const StateDictFormat = "prostate-seg/state-dict/v1"

type stateEntry struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type stateDict struct {
	Format string       `json:"format"`
	Params []stateEntry `json:"params"`
}

// SaveStateDict writes every parameter of m, keyed by layer name.
func (m *UNet3D) SaveStateDict(w io.Writer) error {
	sd := stateDict{Format: StateDictFormat, Params: make([]stateEntry, 0, len(m.convs))}
	for _, c := range m.convs {
		sd.Params = append(sd.Params, stateEntry{Name: c.name, Shape: c.w.Shape, Data: c.w.Data})
	}
	return json.NewEncoder(w).Encode(sd)
}

// LoadStateDict replaces the parameters of m with those read from r. Every
// layer must be present with an identical shape.
func (m *UNet3D) LoadStateDict(r io.Reader) error {
	var sd stateDict
	if err := json.NewDecoder(r).Decode(&sd); err != nil {
		return fmt.Errorf("decode state dict: %w", err)
	}
	if sd.Format != StateDictFormat {
		return fmt.Errorf("unsupported state dict format %q", sd.Format)
	}
	byName := make(map[string]stateEntry, len(sd.Params))
	for _, e := range sd.Params {
		byName[e.Name] = e
	}
	for _, c := range m.convs {
		e, ok := byName[c.name]
		if !ok {
			return fmt.Errorf("%w: %s missing from checkpoint", ErrShapeMismatch, c.name)
		}
		if !tensor.SameShape(e.Shape, c.w.Shape) || len(e.Data) != c.w.Len() {
			return fmt.Errorf("%w: %s is %v, want %v", ErrShapeMismatch, c.name, e.Shape, c.w.Shape)
		}
	}
	for _, c := range m.convs {
		copy(c.w.Data, byName[c.name].Data)
	}
	return nil
}

// SaveFile atomically writes the state dict of m to path.
func SaveFile(path string, m Model) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := m.SaveStateDict(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile restores m from a checkpoint written by SaveFile.
func LoadFile(path string, m *UNet3D) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := m.LoadStateDict(f); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
