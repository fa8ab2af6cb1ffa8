package frames

import (
	"sort"

	"github.com/sentinel-hub/eo-timelapse/internal/flyover"
)

// Image is a flyover whose bitmap has been fetched, or is being fetched
// when Data is nil.
type Image struct {
	flyover.Flyover

	Data        []byte
	IsSelected  bool
	FlyoverHash uint64
	OrigFlyover *flyover.Flyover
}

// NewImage builds an image for f, hashing the source record
func NewImage(f *flyover.Flyover, data []byte, selected bool) Image {
	return Image{
		Flyover:     *f,
		Data:        data,
		IsSelected:  selected,
		FlyoverHash: f.Hash(),
		OrigFlyover: f,
	}
}

// Pending reports whether the bitmap is still missing
func (img Image) Pending() bool {
	return img.Data == nil
}

// Less orders by (ToTime, VisualizationIndex)
func Less(a, b Image) bool {
	if !a.ToTime.Equal(b.ToTime) {
		return a.ToTime.Before(b.ToTime)
	}
	return a.VisualizationIndex < b.VisualizationIndex
}

// Sort restores the list ordering in place
func Sort(images []Image) {
	sort.SliceStable(images, func(i, j int) bool {
		return Less(images[i], images[j])
	})
}

// IsSorted reports whether images satisfy the list ordering
func IsSorted(images []Image) bool {
	return sort.SliceIsSorted(images, func(i, j int) bool {
		return Less(images[i], images[j])
	})
}
