package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrNoPairs is returned when no image has a matching label map.
var ErrNoPairs = errors.New("dataset: no image/mask pairs found")

var volumeRegexp = regexp.MustCompile(`(?i)\.nii(\.gz)?$`)

// Pair names one scan and its label map.
type Pair struct {
	Key       string
	ImagePath string
	MaskPath  string
}

// DiscoverVolumes returns the NIfTI files beneath root keyed by case name.
func DiscoverVolumes(root string) (map[string]string, error) {
	entries := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !volumeRegexp.MatchString(d.Name()) {
			return nil
		}
		key := caseKey(d.Name())
		if prev, ok := entries[key]; ok {
			return fmt.Errorf("duplicate case %s: %s and %s", key, prev, path)
		}
		entries[key] = path
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover volumes: %w", err)
	}
	return entries, nil
}

// DiscoverPairs matches every scan under imagesDir with its label map under
// masksDir. A scan without a label map is an error.
func DiscoverPairs(imagesDir, masksDir string) ([]Pair, error) {
	images, err := DiscoverVolumes(imagesDir)
	if err != nil {
		return nil, err
	}
	masks, err := DiscoverVolumes(masksDir)
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, len(images))
	var missing []string
	for key, img := range images {
		mask, ok := masks[key]
		if !ok {
			missing = append(missing, filepath.Base(img))
			continue
		}
		pairs = append(pairs, Pair{Key: key, ImagePath: img, MaskPath: mask})
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("dataset: no label map for %s", strings.Join(missing, ", "))
	}
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

// caseKey strips the extension and the label-map marker so
// Case_004_Week0_LFOV.nii.gz and Case_004_Week0_SEMANTIC_LFOV.nii.gz share
// a key.
func caseKey(name string) string {
	key := volumeRegexp.ReplaceAllString(name, "")
	key = strings.Replace(key, "_SEMANTIC", "", 1)
	return key
}
