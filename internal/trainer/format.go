package trainer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CheckpointName returns the weights file name for a run.
func CheckpointName(lr float64, epochs int, background bool, batchSize int) string {
	return fmt.Sprintf("model_lr_%s_e_%d_bg_%s_bs%d.pth", pyFloat(lr), epochs, pyBool(background), batchSize)
}

// pyFloat renders v the way Python's repr does, so 1e-3 reads "0.001" and
// 2 reads "2.0".
func pyFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	var s string
	if abs := math.Abs(v); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		s = strconv.FormatFloat(v, 'e', -1, 64)
	} else {
		s = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func pyFloatList(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = pyFloat(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
