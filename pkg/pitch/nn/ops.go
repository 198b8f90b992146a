package nn

import (
	"math"

	"golang.org/x/sync/errgroup"
)

// span splits n work items into at most workers contiguous ranges and runs
// fn on each concurrently. With one worker fn runs on the calling goroutine.
func span(n, workers int, fn func(lo, hi int)) {
	if workers <= 1 || n < 2*workers {
		fn(0, n)
		return
	}
	var g errgroup.Group
	step := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += step {
		hi := min(lo+step, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// conv1d computes out[t, f] = bias[f] + sum_k sum_c in[t*stride+k-pad, c] * w[k, c, f]
// with zero padding outside the input.
func conv1d(out, in []float32, inLen, inC int, p *compiled, workers int) {
	width, filters := p.width, p.units
	kernel := p.kernel
	span(p.outLen, workers, func(lo, hi int) {
		for t := lo; t < hi; t++ {
			acc := out[t*filters : (t+1)*filters]
			if p.bias != nil {
				copy(acc, p.bias)
			} else {
				clear(acc)
			}
			start := t*p.stride - p.padLeft
			kLo := max(0, -start)
			kHi := min(width, inLen-start)
			for k := kLo; k < kHi; k++ {
				x := in[(start+k)*inC : (start+k+1)*inC]
				base := k * inC * filters
				for c, xv := range x {
					if xv == 0 {
						continue
					}
					row := kernel[base+c*filters : base+(c+1)*filters]
					for f, wv := range row {
						acc[f] += xv * wv
					}
				}
			}
		}
	})
}

// batchNorm applies the inference-mode transform y = x*scale + shift per
// channel, where scale = gamma/sqrt(var+eps) and shift = beta - mean*scale.
func batchNorm(out, in []float32, p *compiled) {
	c := len(p.scale)
	for i, x := range in {
		ch := i % c
		out[i] = x*p.scale[ch] + p.shift[ch]
	}
}

// maxPool takes the maximum over each window, ignoring padded positions.
func maxPool(out, in []float32, inLen, channels int, p *compiled) {
	for t := range p.outLen {
		start := t*p.stride - p.padLeft
		lo := max(0, start)
		hi := min(inLen, start+p.width)
		dst := out[t*channels : (t+1)*channels]
		copy(dst, in[lo*channels:(lo+1)*channels])
		for pos := lo + 1; pos < hi; pos++ {
			src := in[pos*channels : (pos+1)*channels]
			for ch, v := range src {
				if v > dst[ch] {
					dst[ch] = v
				}
			}
		}
	}
}

// dense computes out[u] = bias[u] + sum_i in[i] * w[i, u].
func dense(out, in []float32, p *compiled, workers int) {
	units := p.units
	span(units, workers, func(lo, hi int) {
		acc := out[lo:hi]
		if p.bias != nil {
			copy(acc, p.bias[lo:hi])
		} else {
			clear(acc)
		}
		for i, x := range in {
			if x == 0 {
				continue
			}
			row := p.kernel[i*units+lo : i*units+hi]
			for u, wv := range row {
				acc[u] += x * wv
			}
		}
	})
}

func relu(out, in []float32) {
	for i, x := range in {
		if x > 0 {
			out[i] = x
		} else {
			out[i] = 0
		}
	}
}

func sigmoid(out, in []float32) {
	for i, x := range in {
		out[i] = float32(1 / (1 + math.Exp(-float64(x))))
	}
}

// softmax normalises in over all elements. The maximum is subtracted first so
// large logits cannot overflow.
func softmax(out, in []float32) {
	if len(in) == 0 {
		return
	}
	peak := in[0]
	for _, x := range in[1:] {
		if x > peak {
			peak = x
		}
	}
	var sum float64
	for i, x := range in {
		e := math.Exp(float64(x - peak))
		out[i] = float32(e)
		sum += e
	}
	inv := 1 / sum
	for i := range out {
		out[i] = float32(float64(out[i]) * inv)
	}
}
