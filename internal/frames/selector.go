package frames

// FilterState holds the cloud/coverage thresholds and whether the current
// data sources report each metric at all.
type FilterState struct {
	MaxCCPercentAllowed float64
	MinCoverageAllowed  float64
	CanFilterByClouds   bool
	CanFilterByCoverage bool
}

// IsApplicable reports whether img passes the filters. When a filter is
// active but the image does not carry the metric, the image is excluded.
func IsApplicable(img Image, canFilterClouds, canFilterCoverage bool, maxCC, minCoverage float64) bool {
	if canFilterClouds {
		cc, ok := img.CloudCover()
		if !ok || cc > maxCC {
			return false
		}
	}
	if canFilterCoverage {
		coverage, ok := img.Coverage()
		if !ok || coverage < minCoverage {
			return false
		}
	}
	return true
}

// Applies is IsApplicable with the thresholds of f
func (f FilterState) Applies(img Image) bool {
	return IsApplicable(img, f.CanFilterByClouds, f.CanFilterByCoverage, f.MaxCCPercentAllowed, f.MinCoverageAllowed)
}

// FindDefaultActiveIndex returns the first applicable index in list order
func FindDefaultActiveIndex(images []Image, f FilterState) (int, bool) {
	for i := range images {
		if f.Applies(images[i]) {
			return i, true
		}
	}
	return -1, false
}

// FindNextActiveIndex scans forward from current+1, wrapping around, and
// returns the first applicable index. current itself is checked last, so a
// single applicable image yields itself.
func FindNextActiveIndex(images []Image, f FilterState, current int) (int, bool) {
	n := len(images)
	if n == 0 {
		return -1, false
	}
	if current < 0 || current >= n {
		return FindDefaultActiveIndex(images, f)
	}

	for step := 1; step <= n; step++ {
		i := (current + step) % n
		if f.Applies(images[i]) {
			return i, true
		}
	}
	return -1, false
}

// Applicable returns the images passing f, in list order
func Applicable(images []Image, f FilterState) []Image {
	out := make([]Image, 0, len(images))
	for _, img := range images {
		if f.Applies(img) {
			out = append(out, img)
		}
	}
	return out
}

// SelectedForExport returns the selected, applicable images with data,
// in list order.
func SelectedForExport(images []Image, f FilterState) []Image {
	out := make([]Image, 0, len(images))
	for _, img := range images {
		if img.IsSelected && !img.Pending() && f.Applies(img) {
			out = append(out, img)
		}
	}
	return out
}
