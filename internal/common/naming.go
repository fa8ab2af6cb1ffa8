package common

import (
	"fmt"
	"time"
)

// TimelapseFilename creates the download name of a generated timelapse
// Format: EO_Browser_timelapse_{from}_{to}.{ext}
func TimelapseFilename(from, to time.Time, format OutputFormat) string {
	return fmt.Sprintf("EO_Browser_timelapse_%s_%s.%s", FormatISO8601(from), FormatISO8601(to), format.Extension())
}
