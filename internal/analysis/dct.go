// Package analysis inspects feature sequences to decide where synthesis may
// restart from a clean recurrent state, and scores how audible such a
// restart was.
package analysis

import "math"

// Bands is the number of Bark-scale cepstral bands at the start of a row.
const Bands = 18

var dctTable [Bands * Bands]float64

func init() {
	for i := 0; i < Bands; i++ {
		for j := 0; j < Bands; j++ {
			v := math.Cos((float64(i) + .5) * float64(j) * math.Pi / Bands)
			if j == 0 {
				v *= math.Sqrt(.5)
			}
			dctTable[i*Bands+j] = v
		}
	}
}

// DCT converts band log-energies into cepstral coefficients.
func DCT(out, in []float64) {
	scale := math.Sqrt(2. / Bands)
	for i := 0; i < Bands; i++ {
		var sum float64
		for j := 0; j < Bands; j++ {
			sum += in[j] * dctTable[j*Bands+i]
		}
		out[i] = sum * scale
	}
}

// IDCT converts cepstral coefficients back into band log-energies.
func IDCT(out, in []float64) {
	scale := math.Sqrt(2. / Bands)
	for i := 0; i < Bands; i++ {
		var sum float64
		for j := 0; j < Bands; j++ {
			sum += in[j] * dctTable[i*Bands+j]
		}
		out[i] = sum * scale
	}
}

// Spectrum returns the Bark-band log10 energies of a feature row. The first
// coefficient carries a +4 offset relative to the stored cepstrum.
func Spectrum(row []float32) [Bands]float64 {
	var cep, out [Bands]float64
	for i := 0; i < Bands && i < len(row); i++ {
		cep[i] = float64(row[i])
	}
	cep[0] += 4
	IDCT(out[:], cep[:])
	return out
}
