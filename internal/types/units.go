package types

import "math"

// UiAmount converts a raw base-unit amount into a display amount for the
// given number of decimals. Only used for logs and the web surface; all
// accounting stays in base units.
func UiAmount(raw uint64, decimals uint8) float64 {
	return float64(raw) / math.Pow10(int(decimals))
}

// RawAmount converts a display amount into base units, truncating toward
// zero. Config thresholds are entered in display units and compared in raw.
func RawAmount(ui float64, decimals uint8) uint64 {
	if ui <= 0 {
		return 0
	}
	return uint64(ui * math.Pow10(int(decimals)))
}
