// Package coco loads COCO keypoint annotations and computes the COCO
// keypoint metrics (OKS-based AP and AR) for model predictions.
package coco

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// Image is a COCO image record
type Image struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// Annotation is a COCO person annotation. Keypoints holds (x, y, v)
// triplets where v > 0 marks a labelled joint.
type Annotation struct {
	ID           int64      `json:"id"`
	ImageID      int64      `json:"image_id"`
	CategoryID   int        `json:"category_id"`
	Keypoints    []float64  `json:"keypoints"`
	NumKeypoints int        `json:"num_keypoints"`
	Area         float64    `json:"area"`
	BBox         [4]float64 `json:"bbox"`
	IsCrowd      int        `json:"iscrowd"`
}

// Category is a COCO category with its keypoint names
type Category struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	Keypoints []string `json:"keypoints,omitempty"`
	Skeleton  [][2]int `json:"skeleton,omitempty"`
}

// Dataset is a parsed COCO annotation file
type Dataset struct {
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`

	imgToAnns map[int64][]int
	imageSet  map[int64]struct{}
}

// LoadAnnotations reads a COCO annotation file
func LoadAnnotations(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotations: %v", err)
	}
	defer f.Close()

	ds, err := NewDataset(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %v", path, err)
	}
	return ds, nil
}

// NewDataset parses COCO annotations from r
func NewDataset(r io.Reader) (*Dataset, error) {
	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, fmt.Errorf("failed to decode annotations: %v", err)
	}
	if err := ds.index(); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (ds *Dataset) index() error {
	ds.imgToAnns = make(map[int64][]int)
	ds.imageSet = make(map[int64]struct{}, len(ds.Images))
	for _, img := range ds.Images {
		ds.imageSet[img.ID] = struct{}{}
	}

	for i, ann := range ds.Annotations {
		if len(ann.Keypoints)%3 != 0 {
			return fmt.Errorf("annotation %d: keypoints length %d is not a multiple of 3", ann.ID, len(ann.Keypoints))
		}
		ds.imgToAnns[ann.ImageID] = append(ds.imgToAnns[ann.ImageID], i)
	}
	return nil
}

// ImageIDs returns every image id in ascending order
func (ds *Dataset) ImageIDs() []int64 {
	ids := make([]int64, 0, len(ds.Images))
	for _, img := range ds.Images {
		ids = append(ids, img.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasImage reports whether id is an image of the dataset
func (ds *Dataset) HasImage(id int64) bool {
	_, ok := ds.imageSet[id]
	return ok
}

// AnnotationsFor returns the annotations of an image in file order
func (ds *Dataset) AnnotationsFor(imageID int64, categoryID int) []Annotation {
	idx := ds.imgToAnns[imageID]
	out := make([]Annotation, 0, len(idx))
	for _, i := range idx {
		if ds.Annotations[i].CategoryID == categoryID {
			out = append(out, ds.Annotations[i])
		}
	}
	return out
}

// NumJoints returns the keypoint count of a category, 0 if unknown
func (ds *Dataset) NumJoints(categoryID int) int {
	for _, c := range ds.Categories {
		if c.ID == categoryID {
			return len(c.Keypoints)
		}
	}
	return 0
}

// Result is one detected person in the COCO results format. Keypoints holds
// (x, y, score) triplets.
type Result struct {
	ImageID    int64     `json:"image_id"`
	CategoryID int       `json:"category_id"`
	Keypoints  []float64 `json:"keypoints"`
	Score      float64   `json:"score"`
}

// LoadResults reads a COCO results file
func LoadResults(path string) ([]Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %v", err)
	}

	var results []Result
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("failed to decode results %s: %v", path, err)
	}
	for i, r := range results {
		if len(r.Keypoints)%3 != 0 {
			return nil, fmt.Errorf("result %d: keypoints length %d is not a multiple of 3", i, len(r.Keypoints))
		}
	}
	return results, nil
}

// WriteResults writes results as an indented JSON array
func WriteResults(path string, results []Result) error {
	if results == nil {
		results = []Result{}
	}
	raw, err := json.MarshalIndent(results, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %v", err)
	}
	return nil
}
