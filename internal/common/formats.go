package common

import "fmt"

// OutputFormat is the container of a generated timelapse
type OutputFormat string

const (
	FormatGIF   OutputFormat = "gif"
	FormatMJPEG OutputFormat = "avi" // Motion JPEG in an AVI container
)

// Transition controls how consecutive frames are joined
type Transition string

const (
	TransitionNone Transition = "none"
	TransitionFade Transition = "fade"
)

// ParseOutputFormat converts a user supplied format name
// Accepted values: "gif", "avi", "mjpeg"
func ParseOutputFormat(format string) (OutputFormat, error) {
	switch format {
	case "gif":
		return FormatGIF, nil
	case "avi", "mjpeg":
		return FormatMJPEG, nil
	default:
		return "", fmt.Errorf("invalid format: %s (must be 'gif' or 'avi')", format)
	}
}

// Extension returns the file extension (without dot) for the format
func (f OutputFormat) Extension() string {
	if f == FormatMJPEG {
		return "avi"
	}
	return "gif"
}

// ParseTransition converts a user supplied transition name
func ParseTransition(transition string) (Transition, error) {
	switch transition {
	case "", "none":
		return TransitionNone, nil
	case "fade":
		return TransitionFade, nil
	default:
		return "", fmt.Errorf("invalid transition: %s (must be 'none' or 'fade')", transition)
	}
}
