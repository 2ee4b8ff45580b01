package bandwidth

import "fmt"

var byteUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatRate renders a bytes-per-second value for human output, e.g.
// "1.25 MB/s". Display conversion to bits is the renderer's business;
// the engine reports bytes throughout.
func FormatRate(bps float64) string {
	return FormatBytes(bps) + "/s"
}

// FormatBytes renders a byte count in decimal units (a 1000 step, not
// 1024).
func FormatBytes(n float64) string {
	if n < 0 {
		n = 0
	}
	unit := 0
	for n >= 1000 && unit < len(byteUnits)-1 {
		n /= 1000
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%.0f %s", n, byteUnits[unit])
	}
	return fmt.Sprintf("%.2f %s", n, byteUnits[unit])
}
