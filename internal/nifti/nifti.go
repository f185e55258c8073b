// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz), the format the MRI scans and label maps are distributed in.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrNotNIfTI is returned when the header does not carry a NIfTI-1 magic.
var ErrNotNIfTI = errors.New("nifti: not a single-file NIfTI-1 volume")

// Datatype codes understood by this package.
const (
	Uint8   int16 = 2
	Int16   int16 = 4
	Int32   int16 = 8
	Float32 int16 = 16
	Float64 int16 = 64
	Int8    int16 = 256
	Uint16  int16 = 512
	Uint32  int16 = 768
)

const (
	headerSize = 348
	voxOffset  = 352
)

// Image is a decoded 3D volume. Data is x-fastest: index x + nx·(y + ny·z).
type Image struct {
	Dims     [3]int
	PixDim   [3]float64
	Affine   [4][4]float64
	Datatype int16
	Data     []float32
}

// At returns the voxel at (x, y, z).
func (im *Image) At(x, y, z int) float32 {
	return im.Data[x+im.Dims[0]*(y+im.Dims[1]*z)]
}

type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// ReadFile loads path, transparently gunzipping names ending in .gz.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	im, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return im, nil
}

// Decode parses an uncompressed NIfTI-1 stream.
func Decode(r io.Reader) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != headerSize {
		if int32(binary.BigEndian.Uint32(raw[:4])) != headerSize {
			return nil, ErrNotNIfTI
		}
		order = binary.BigEndian
	}
	var hdr header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, ErrNotNIfTI
	}

	rank := int(hdr.Dim[0])
	if rank < 3 || rank > 7 {
		return nil, fmt.Errorf("nifti: unsupported rank %d", rank)
	}
	for i := 4; i <= rank; i++ {
		if hdr.Dim[i] > 1 {
			return nil, fmt.Errorf("nifti: only 3D volumes are supported (dim[%d]=%d)", i, hdr.Dim[i])
		}
	}
	im := &Image{Datatype: hdr.Datatype}
	for i := 0; i < 3; i++ {
		if hdr.Dim[i+1] <= 0 {
			return nil, fmt.Errorf("nifti: invalid dimension %d", hdr.Dim[i+1])
		}
		im.Dims[i] = int(hdr.Dim[i+1])
		im.PixDim[i] = float64(hdr.Pixdim[i+1])
	}
	im.Affine = affineFromHeader(&hdr)

	skip := int64(hdr.VoxOffset) - headerSize
	if skip < 0 {
		skip = 0
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("skip to voxel data: %w", err)
	}

	n := im.Dims[0] * im.Dims[1] * im.Dims[2]
	data, err := readVoxels(r, order, hdr.Datatype, n)
	if err != nil {
		return nil, err
	}
	if slope := float64(hdr.SclSlope); slope != 0 && !(slope == 1 && hdr.SclInter == 0) {
		inter := float64(hdr.SclInter)
		for i, v := range data {
			data[i] = float32(float64(v)*slope + inter)
		}
	}
	im.Data = data
	return im, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float32, error) {
	out := make([]float32, n)
	var err error
	switch datatype {
	case Uint8:
		buf := make([]uint8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float32(v)
		}
	case Int8:
		buf := make([]int8, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float32(v)
		}
	case Int16:
		buf := make([]int16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float32(v)
		}
	case Uint16:
		buf := make([]uint16, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float32(v)
		}
	case Int32:
		buf := make([]int32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float32(v)
		}
	case Uint32:
		buf := make([]uint32, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float32(v)
		}
	case Float32:
		err = binary.Read(r, order, out)
	case Float64:
		buf := make([]float64, n)
		err = binary.Read(r, order, buf)
		for i, v := range buf {
			out[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("nifti: unsupported datatype %d", datatype)
	}
	if err != nil {
		return nil, fmt.Errorf("read voxels: %w", err)
	}
	return out, nil
}

func affineFromHeader(h *header) [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1
	switch {
	case h.SformCode > 0:
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SrowX[j])
			a[1][j] = float64(h.SrowY[j])
			a[2][j] = float64(h.SrowZ[j])
		}
	case h.QformCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		aa := 1 - (b*b + c*c + d*d)
		if aa < 0 {
			aa = 0
		}
		q := math.Sqrt(aa)
		qfac := float64(h.Pixdim[0])
		if qfac == 0 {
			qfac = 1
		}
		dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), qfac*float64(h.Pixdim[3])
		r := [3][3]float64{
			{q*q + b*b - c*c - d*d, 2 * (b*c - q*d), 2 * (b*d + q*c)},
			{2 * (b*c + q*d), q*q + c*c - b*b - d*d, 2 * (c*d - q*b)},
			{2 * (b*d - q*c), 2 * (c*d + q*b), q*q + d*d - c*c - b*b},
		}
		for i := 0; i < 3; i++ {
			a[i][0] = r[i][0] * dx
			a[i][1] = r[i][1] * dy
			a[i][2] = r[i][2] * dz
		}
		a[0][3], a[1][3], a[2][3] = float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)
	default:
		for i := 0; i < 3; i++ {
			a[i][i] = float64(h.Pixdim[i+1])
			if a[i][i] == 0 {
				a[i][i] = 1
			}
		}
	}
	return a
}

// WriteFile stores im at path using datatype (Uint8 or Float32), gzipping
// when the name ends in .gz. The file is written to a temporary sibling and
// renamed into place.
func WriteFile(path string, im *Image, datatype int16) (err error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create volume: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}
	if err = Encode(w, im, datatype); err != nil {
		return err
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return fmt.Errorf("close gzip: %w", err)
		}
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("flush volume: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close volume: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename volume: %w", err)
	}
	return nil
}

// Encode writes an uncompressed little-endian NIfTI-1 stream.
func Encode(w io.Writer, im *Image, datatype int16) error {
	n := im.Dims[0] * im.Dims[1] * im.Dims[2]
	if len(im.Data) != n {
		return fmt.Errorf("nifti: %d voxels do not match dims %v", len(im.Data), im.Dims)
	}
	hdr := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  datatype,
		VoxOffset: voxOffset,
		SclSlope:  1,
		SformCode: 1,
		XyztUnits: 2, // millimetres
	}
	hdr.Dim[0] = 3
	hdr.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		hdr.Dim[i+1] = int16(im.Dims[i])
		hdr.Pixdim[i+1] = float32(columnNorm(im.Affine, i))
	}
	for i := 4; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(im.Affine[0][j])
		hdr.SrowY[j] = float32(im.Affine[1][j])
		hdr.SrowZ[j] = float32(im.Affine[2][j])
	}
	copy(hdr.Magic[:], "n+1\x00")

	switch datatype {
	case Uint8:
		hdr.Bitpix = 8
	case Float32:
		hdr.Bitpix = 32
	default:
		return fmt.Errorf("nifti: cannot encode datatype %d", datatype)
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(make([]byte, voxOffset-headerSize)); err != nil {
		return fmt.Errorf("write extension: %w", err)
	}
	if datatype == Uint8 {
		buf := make([]uint8, n)
		for i, v := range im.Data {
			switch {
			case v <= 0:
				buf[i] = 0
			case v >= 255:
				buf[i] = 255
			default:
				buf[i] = uint8(math.Round(float64(v)))
			}
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write voxels: %w", err)
		}
		return nil
	}
	if err := binary.Write(w, binary.LittleEndian, im.Data); err != nil {
		return fmt.Errorf("write voxels: %w", err)
	}
	return nil
}

func columnNorm(a [4][4]float64, col int) float64 {
	return math.Sqrt(a[0][col]*a[0][col] + a[1][col]*a[1][col] + a[2][col]*a[2][col])
}
