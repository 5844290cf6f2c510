package audio

import (
	"math"

	"github.com/kannadanudi/nudi-dictation/internal/protocol"
)

// Resample downsamples mono PCM from fromRate to toRate by box-filter decimation.
// Output sample i is the mean of the input samples whose index lies in
// [round(i*ratio), round((i+1)*ratio)). Equal rates return samples itself.
// Upsampling is rejected with protocol.ErrUnsupportedRateConversion.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, protocol.Errorf(protocol.KindUnsupportedRateConversion, "invalid sample rates %d -> %d", fromRate, toRate)
	}
	if fromRate == toRate {
		return samples, nil
	}
	if toRate > fromRate {
		return nil, protocol.Errorf(protocol.KindUnsupportedRateConversion, "upsampling %d -> %d not supported", fromRate, toRate)
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		start := int(math.Round(float64(i) * ratio))
		end := int(math.Round(float64(i+1) * ratio))
		if end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			continue
		}
		var sum float64
		for j := start; j < end; j++ {
			sum += float64(samples[j])
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out, nil
}
