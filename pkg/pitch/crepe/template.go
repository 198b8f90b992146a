package crepe

import (
	"math"

	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/nn"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
)

// TemplateConfig describes a [Template] network. Zero fields take the
// defaults documented on each field.
type TemplateConfig struct {
	// Bins is the number of output bins. Default 48.
	Bins int

	// CentsPerBin is the bin spacing. Default 100 (one semitone).
	CentsPerBin float64

	// CentreHz is the frequency placed exactly on CentreBin. Default 220.
	CentreHz float64

	// CentreBin is the bin whose centre is CentreHz. Default Bins/2.
	CentreBin int

	// Gain scales the logits. Default 1.
	Gain float32
}

func (c TemplateConfig) withDefaults() TemplateConfig {
	if c.Bins <= 0 {
		c.Bins = 48
	}
	if c.CentsPerBin <= 0 {
		c.CentsPerBin = 100
	}
	if c.CentreHz <= 0 {
		c.CentreHz = 220
	}
	if c.CentreBin <= 0 || c.CentreBin >= c.Bins {
		c.CentreBin = c.Bins / 2
	}
	if c.Gain == 0 {
		c.Gain = 1
	}
	return c
}

// templatePhases is the number of rotated projections per bin. Fewer than
// eight lets the phase ripple move the peak onto a neighbouring bin.
const templatePhases = 16

// Template builds a deterministic network that tracks pitch without trained
// weights. For every bin a valid convolution over the whole frame projects
// the Hann-windowed input onto templatePhases rotations of a cosine at the
// bin centre frequency, each with both signs. ReLU keeps the positive half
// of every projection and a dense layer sums them into the bin's logit. The
// summed magnitudes of evenly rotated projections stay within a few percent
// of the tone's amplitude whatever its phase, so the logit of a bin grows
// with the energy near its centre. A softmax turns logits into a
// distribution.
//
// Resolution is one bin; a tone between bin centres is reported at the
// nearer one.
func Template(cfg TemplateConfig) *weights.Weights {
	cfg = cfg.withDefaults()
	n := pitch.FrameSize
	const per = 2 * templatePhases
	filters := per * cfg.Bins

	meta := weights.DefaultMetadata()
	meta.Bins = cfg.Bins
	meta.CentsPerBin = cfg.CentsPerBin
	meta.CentsOffset = 1200*math.Log2(cfg.CentreHz/10) - float64(cfg.CentreBin)*cfg.CentsPerBin

	kernel := tensor.New(n, 1, filters)
	kd := kernel.Data()
	for b := range cfg.Bins {
		cents := meta.CentsOffset + float64(b)*meta.CentsPerBin
		omega := 2 * math.Pi * 10 * math.Pow(2, cents/1200) / float64(meta.SampleRate)
		for k := range n {
			hann := 0.5 * (1 - math.Cos(2*math.Pi*float64(k)/float64(n-1)))
			row := kd[k*filters+per*b : k*filters+per*(b+1)]
			for j := range templatePhases {
				rot := math.Pi * float64(j) / templatePhases
				v := float32(hann * math.Cos(omega*float64(k)+rot))
				row[2*j], row[2*j+1] = v, -v
			}
		}
	}

	sum := tensor.New(filters, cfg.Bins)
	for b := range cfg.Bins {
		for j := range per {
			sum.Set(cfg.Gain, per*b+j, b)
		}
	}

	return weights.New("template", meta, tensor.Shape{n, 1}, []nn.Layer{
		nn.Conv1D("projection", kernel, nil, 1, nn.PaddingValid),
		nn.Activation("rectify", nn.KindReLU),
		nn.Dense("magnitude", sum, nil),
		nn.Activation("softmax", nn.KindSoftmax),
	})
}
