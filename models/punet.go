package models

import (
	"math"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// ProbabilisticUNetConfig describes a U-Net with a Gaussian prior over a
// low-dimensional latent code. Sampling the prior yields a distribution of
// plausible segmentations for one input.
type ProbabilisticUNetConfig struct {
	InChannels  int
	OutChannels int
	BaseWidth   int
	LatentDim   int     // Dimension of the latent code
	KLWeight    float64 // Weight of the KL term folded into the backward pass
}

// DefaultProbabilisticUNetConfig returns the configuration used by the
// probabilistic self-training experiments.
func DefaultProbabilisticUNetConfig() ProbabilisticUNetConfig {
	return ProbabilisticUNetConfig{
		InChannels:  1,
		OutChannels: 1,
		BaseWidth:   16,
		LatentDim:   6,
		KLWeight:    0.005,
	}
}

// ProbabilisticUNet combines a U-Net backbone with a Gaussian prior head.
// Forward conditions the prior on the input and decodes the prior mean;
// Sample decodes a fresh draw from the conditioned prior. Forward must run
// before Sample so the prior is conditioned on the current input.
type ProbabilisticUNet struct {
	cfg ProbabilisticUNetConfig

	encoder    *convBlock
	pool       *maxPool2
	bottleneck *convBlock
	up         *upsample2
	decoder    *convBlock

	gap        *globalAvgPool
	muHead     *linear
	logvarHead *linear

	fcomb1 *conv2d
	actF   *relu
	fcomb2 *conv2d

	skipC, upC int

	// Conditioning state from the last Forward.
	features *tensor.Tensor // [N, base, H, W] decoder output
	mu       *tensor.Tensor // [N, latent]
	logvar   *tensor.Tensor // [N, latent]

	training bool
}

// NewProbabilisticUNet builds the network. Non-positive config fields are
// replaced by the defaults.
func NewProbabilisticUNet(cfg ProbabilisticUNetConfig) (*ProbabilisticUNet, error) {
	def := DefaultProbabilisticUNetConfig()
	if cfg.InChannels <= 0 {
		cfg.InChannels = def.InChannels
	}
	if cfg.OutChannels <= 0 {
		cfg.OutChannels = def.OutChannels
	}
	if cfg.BaseWidth <= 0 {
		cfg.BaseWidth = def.BaseWidth
	}
	if cfg.LatentDim <= 0 {
		cfg.LatentDim = def.LatentDim
	}
	if cfg.KLWeight <= 0 {
		cfg.KLWeight = def.KLWeight
	}

	base := cfg.BaseWidth
	encoder, err := newConvBlock(cfg.InChannels, base)
	if err != nil {
		return nil, errors.Wrap(err, "building encoder")
	}
	bottleneck, err := newConvBlock(base, base*2)
	if err != nil {
		return nil, errors.Wrap(err, "building bottleneck")
	}
	decoder, err := newConvBlock(base+base*2, base)
	if err != nil {
		return nil, errors.Wrap(err, "building decoder")
	}
	muHead, err := newLinear(base*2, cfg.LatentDim)
	if err != nil {
		return nil, errors.Wrap(err, "building prior mean head")
	}
	logvarHead, err := newLinear(base*2, cfg.LatentDim)
	if err != nil {
		return nil, errors.Wrap(err, "building prior log-variance head")
	}
	fcomb1, err := newConv2D(base+cfg.LatentDim, base, 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "building fcomb")
	}
	fcomb2, err := newConv2D(base, cfg.OutChannels, 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "building output head")
	}

	return &ProbabilisticUNet{
		cfg:        cfg,
		encoder:    encoder,
		pool:       &maxPool2{},
		bottleneck: bottleneck,
		up:         &upsample2{},
		decoder:    decoder,
		gap:        &globalAvgPool{},
		muHead:     muHead,
		logvarHead: logvarHead,
		fcomb1:     fcomb1,
		actF:       &relu{},
		fcomb2:     fcomb2,
		skipC:      base,
		upC:        base * 2,
		training:   true,
	}, nil
}

// broadcastLatent tiles a [N, L] code over an HxW plane.
func broadcastLatent(z *tensor.Tensor, h, w int) (*tensor.Tensor, error) {
	n, l := z.Shape[0], z.Shape[1]
	zd := z.Float32s()
	plane := h * w
	out := make([]float32, n*l*plane)
	for b := 0; b < n; b++ {
		for c := 0; c < l; c++ {
			v := zd[b*l+c]
			base := (b*l + c) * plane
			for i := 0; i < plane; i++ {
				out[base+i] = v
			}
		}
	}
	return tensor.NewTensor([]int{n, l, h, w}, tensor.Float32, out)
}

// collapseLatent is the backward of broadcastLatent.
func collapseLatent(grad *tensor.Tensor) (*tensor.Tensor, error) {
	n, l, h, w := grad.Shape[0], grad.Shape[1], grad.Shape[2], grad.Shape[3]
	plane := h * w
	gd := grad.Float32s()
	out := make([]float32, n*l)
	for b := 0; b < n; b++ {
		for c := 0; c < l; c++ {
			var sum float32
			base := (b*l + c) * plane
			for i := 0; i < plane; i++ {
				sum += gd[base+i]
			}
			out[b*l+c] = sum
		}
	}
	return tensor.NewTensor([]int{n, l}, tensor.Float32, out)
}

// decode combines the backbone features with a latent code and produces
// logits.
func (p *ProbabilisticUNet) decode(z *tensor.Tensor) (*tensor.Tensor, error) {
	h, w := p.features.Shape[2], p.features.Shape[3]
	zb, err := broadcastLatent(z, h, w)
	if err != nil {
		return nil, err
	}
	joined, err := concatChannels(p.features, zb)
	if err != nil {
		return nil, errors.Wrap(err, "joining features and latent code")
	}
	out, err := p.fcomb1.forward(joined)
	if err != nil {
		return nil, err
	}
	out, err = p.actF.forward(out)
	if err != nil {
		return nil, err
	}
	return p.fcomb2.forward(out)
}

// Forward conditions the prior on the input and decodes the prior mean.
func (p *ProbabilisticUNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	skip, err := p.encoder.forward(input)
	if err != nil {
		return nil, errors.Wrap(err, "encoder forward")
	}
	h, err := p.pool.forward(skip)
	if err != nil {
		return nil, errors.Wrap(err, "pool forward")
	}
	bott, err := p.bottleneck.forward(h)
	if err != nil {
		return nil, errors.Wrap(err, "bottleneck forward")
	}

	pooled, err := p.gap.forward(bott)
	if err != nil {
		return nil, errors.Wrap(err, "pooling prior input")
	}
	p.mu, err = p.muHead.forward(pooled)
	if err != nil {
		return nil, errors.Wrap(err, "prior mean forward")
	}
	p.logvar, err = p.logvarHead.forward(pooled)
	if err != nil {
		return nil, errors.Wrap(err, "prior log-variance forward")
	}

	h, err = p.up.forward(bott)
	if err != nil {
		return nil, errors.Wrap(err, "upsample forward")
	}
	h, err = concatChannels(skip, h)
	if err != nil {
		return nil, errors.Wrap(err, "skip concat")
	}
	p.features, err = p.decoder.forward(h)
	if err != nil {
		return nil, errors.Wrap(err, "decoder forward")
	}
	return p.decode(p.mu)
}

// Sample decodes a reparameterized draw from the prior conditioned by the
// last Forward call.
func (p *ProbabilisticUNet) Sample() (*tensor.Tensor, error) {
	if p.features == nil || p.mu == nil || p.logvar == nil {
		return nil, errors.New("Sample called before Forward conditioned the prior")
	}
	mu := p.mu.Float32s()
	logvar := p.logvar.Float32s()
	z := make([]float32, len(mu))
	for i := range z {
		sigma := float32(math.Exp(float64(logvar[i]) * 0.5))
		z[i] = mu[i] + sigma*float32(globalRng.NormFloat64())
	}
	zt, err := tensor.NewTensor(p.mu.Shape, tensor.Float32, z)
	if err != nil {
		return nil, err
	}
	return p.decode(zt)
}

// KLDivergence returns the weighted KL divergence between the conditioned
// prior and a standard normal, averaged over the batch.
func (p *ProbabilisticUNet) KLDivergence() (float64, error) {
	if p.mu == nil || p.logvar == nil {
		return 0, errors.New("KLDivergence called before Forward conditioned the prior")
	}
	mu := p.mu.Float32s()
	logvar := p.logvar.Float32s()
	n := p.mu.Shape[0]
	var kl float64
	for i := range mu {
		m := float64(mu[i])
		lv := float64(logvar[i])
		kl += 0.5 * (math.Exp(lv) + m*m - 1.0 - lv)
	}
	return p.cfg.KLWeight * kl / float64(n), nil
}

// Backward propagates the output gradient through the decode path and the
// backbone, and folds the weighted KL gradient into the prior heads.
func (p *ProbabilisticUNet) Backward(gradOut *tensor.Tensor) error {
	g, err := p.fcomb2.backward(gradOut)
	if err != nil {
		return errors.Wrap(err, "output head backward")
	}
	g, err = p.actF.backward(g)
	if err != nil {
		return errors.Wrap(err, "fcomb activation backward")
	}
	g, err = p.fcomb1.backward(g)
	if err != nil {
		return errors.Wrap(err, "fcomb backward")
	}
	gFeat, gLatent, err := splitChannels(g, p.cfg.BaseWidth, p.cfg.LatentDim)
	if err != nil {
		return errors.Wrap(err, "latent split")
	}
	gMu, err := collapseLatent(gLatent)
	if err != nil {
		return err
	}

	// The forward pass decodes the prior mean, so the latent gradient flows
	// into the mean head together with the KL term. The log-variance head
	// only receives the KL gradient.
	n := p.mu.Shape[0]
	scale := float32(p.cfg.KLWeight / float64(n))
	muD := p.mu.Float32s()
	logvarD := p.logvar.Float32s()
	gMuD := gMu.Float32s()
	gLogvar := make([]float32, len(logvarD))
	for i := range muD {
		gMuD[i] += scale * muD[i]
		gLogvar[i] = scale * 0.5 * (float32(math.Exp(float64(logvarD[i]))) - 1.0)
	}
	gLogvarT, err := tensor.NewTensor(p.logvar.Shape, tensor.Float32, gLogvar)
	if err != nil {
		return err
	}

	gPooled1, err := p.muHead.backward(gMu)
	if err != nil {
		return errors.Wrap(err, "prior mean backward")
	}
	gPooled2, err := p.logvarHead.backward(gLogvarT)
	if err != nil {
		return errors.Wrap(err, "prior log-variance backward")
	}
	gPooled, err := tensor.Add(gPooled1, gPooled2)
	if err != nil {
		return err
	}
	gBottPrior, err := p.gap.backward(gPooled)
	if err != nil {
		return errors.Wrap(err, "prior pooling backward")
	}

	g, err = p.decoder.backward(gFeat)
	if err != nil {
		return errors.Wrap(err, "decoder backward")
	}
	gSkip, gUp, err := splitChannels(g, p.skipC, p.upC)
	if err != nil {
		return errors.Wrap(err, "skip split")
	}
	gBott, err := p.up.backward(gUp)
	if err != nil {
		return errors.Wrap(err, "upsample backward")
	}
	gBott, err = tensor.Add(gBott, gBottPrior)
	if err != nil {
		return err
	}
	g, err = p.bottleneck.backward(gBott)
	if err != nil {
		return errors.Wrap(err, "bottleneck backward")
	}
	g, err = p.pool.backward(g)
	if err != nil {
		return errors.Wrap(err, "pool backward")
	}
	g, err = tensor.Add(g, gSkip)
	if err != nil {
		return errors.Wrap(err, "merging skip gradient")
	}
	if _, err := p.encoder.backward(g); err != nil {
		return errors.Wrap(err, "encoder backward")
	}
	return nil
}

// Parameters returns the trainable tensors in a stable order.
func (p *ProbabilisticUNet) Parameters() []*tensor.Tensor {
	params := p.encoder.parameters()
	params = append(params, p.bottleneck.parameters()...)
	params = append(params, p.decoder.parameters()...)
	params = append(params, p.muHead.parameters()...)
	params = append(params, p.logvarHead.parameters()...)
	params = append(params, p.fcomb1.parameters()...)
	return append(params, p.fcomb2.parameters()...)
}

// Train sets the network to training mode.
func (p *ProbabilisticUNet) Train() { p.training = true }

// Eval sets the network to evaluation mode.
func (p *ProbabilisticUNet) Eval() { p.training = false }

// IsTraining returns true if the network is in training mode.
func (p *ProbabilisticUNet) IsTraining() bool { return p.training }
