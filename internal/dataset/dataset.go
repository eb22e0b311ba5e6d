// Package dataset loads labelled images from a directory tree with one
// subdirectory per class.
package dataset

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/raphaelgruber/trainwatch/internal/training"
)

// ErrEmptyDirectory indicates the dataset root holds no usable images.
var ErrEmptyDirectory = errors.New("empty directory")

// Channels is the number of values per pixel in a decoded input.
const Channels = 3

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// Options controls how images are split and batched.
type Options struct {
	ImageSize       int     // images are resized to ImageSize x ImageSize
	BatchSize       int     // samples per batch
	ValidationSplit float64 // fraction of each class held out for validation
}

// DefaultOptions matches the defaults offered to operators.
func DefaultOptions() Options {
	return Options{ImageSize: 128, BatchSize: 32, ValidationSplit: 0.3}
}

// Validate checks the options before any file is read.
func (o Options) Validate() error {
	switch {
	case o.ImageSize <= 0:
		return fmt.Errorf("image size must be positive, got %d", o.ImageSize)
	case o.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", o.BatchSize)
	case o.ValidationSplit < 0 || o.ValidationSplit >= 1:
		return fmt.Errorf("validation split must be in [0, 1), got %g", o.ValidationSplit)
	}
	return nil
}

// Sample is one image file and its label.
type Sample struct {
	Path  string
	Label int
}

// Source is a batched, read-only view over a list of samples. It implements
// training.DataSource. Images are decoded lazily, batch by batch.
type Source struct {
	samples   []Sample
	classes   map[string]int
	batchSize int
	imageSize int
}

var _ training.DataSource = (*Source)(nil)

// Load scans root and returns the training and validation subsets.
//
// Classes are the sorted subdirectory names of root. Within each class the
// files are sorted by name and the first ValidationSplit fraction goes to
// validation; the split is ordered, not random.
func Load(root string, opts Options) (train, validation *Source, err error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read dataset root: %w", err)
	}

	var classNames []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classNames = append(classNames, e.Name())
		}
	}
	if len(classNames) == 0 {
		return nil, nil, fmt.Errorf("%w: no class subdirectories in %s", ErrEmptyDirectory, root)
	}
	slices.Sort(classNames)

	classes := make(map[string]int, len(classNames))
	var trainSamples, valSamples []Sample
	for label, name := range classNames {
		classes[name] = label

		files, err := listImages(filepath.Join(root, name))
		if err != nil {
			return nil, nil, err
		}
		cut := int(float64(len(files)) * opts.ValidationSplit)
		for i, f := range files {
			s := Sample{Path: f, Label: label}
			if i < cut {
				valSamples = append(valSamples, s)
			} else {
				trainSamples = append(trainSamples, s)
			}
		}
	}
	if len(trainSamples)+len(valSamples) == 0 {
		return nil, nil, fmt.Errorf("%w: no images found in %s", ErrEmptyDirectory, root)
	}

	train = &Source{samples: trainSamples, classes: classes, batchSize: opts.BatchSize, imageSize: opts.ImageSize}
	validation = &Source{samples: valSamples, classes: classes, batchSize: opts.BatchSize, imageSize: opts.ImageSize}
	return train, validation, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read class directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// Len returns the number of batches.
func (s *Source) Len() int {
	return (len(s.samples) + s.batchSize - 1) / s.batchSize
}

// Samples returns the number of images.
func (s *Source) Samples() int {
	return len(s.samples)
}

// NumClasses returns the number of classes found at load time.
func (s *Source) NumClasses() int {
	return len(s.classes)
}

// FeatureSize returns the length of every decoded input vector.
func (s *Source) FeatureSize() int {
	return s.imageSize * s.imageSize * Channels
}

// ClassIndices returns a copy of the class name to label mapping.
func (s *Source) ClassIndices() map[string]int {
	return maps.Clone(s.classes)
}

// Summary describes the subset the way the operator sees it in the log.
func (s *Source) Summary() string {
	return fmt.Sprintf("Found %d images belonging to %d classes.", len(s.samples), len(s.classes))
}

// Batch decodes batch i.
func (s *Source) Batch(i int) (training.Batch, error) {
	if i < 0 || i >= s.Len() {
		return training.Batch{}, fmt.Errorf("batch %d out of range [0, %d)", i, s.Len())
	}
	start := i * s.batchSize
	end := min(start+s.batchSize, len(s.samples))

	b := training.Batch{
		Inputs: make([][]float64, 0, end-start),
		Labels: make([]int, 0, end-start),
	}
	for _, sample := range s.samples[start:end] {
		x, err := s.decode(sample.Path)
		if err != nil {
			return training.Batch{}, err
		}
		b.Inputs = append(b.Inputs, x)
		b.Labels = append(b.Labels, sample.Label)
	}
	return b, nil
}

// decode reads an image, resizes it with nearest-neighbour sampling and
// rescales channels to [0, 1] in row-major RGB order.
func (s *Source) decode(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("decode %s: empty image", filepath.Base(path))
	}

	size := s.imageSize
	out := make([]float64, 0, size*size*Channels)
	for y := 0; y < size; y++ {
		sy := bounds.Min.Y + y*h/size
		for x := 0; x < size; x++ {
			sx := bounds.Min.X + x*w/size
			c := color.RGBAModel.Convert(img.At(sx, sy)).(color.RGBA)
			out = append(out, float64(c.R)/255, float64(c.G)/255, float64(c.B)/255)
		}
	}
	return out, nil
}
