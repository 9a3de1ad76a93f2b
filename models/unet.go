package models

import (
	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// convBlock is two padded 3x3 convolutions, each followed by ReLU.
type convBlock struct {
	conv1, conv2 *conv2d
	act1, act2   *relu
}

func newConvBlock(inC, outC int) (*convBlock, error) {
	conv1, err := newConv2D(inC, outC, 3, 1)
	if err != nil {
		return nil, err
	}
	conv2, err := newConv2D(outC, outC, 3, 1)
	if err != nil {
		return nil, err
	}
	return &convBlock{conv1: conv1, conv2: conv2, act1: &relu{}, act2: &relu{}}, nil
}

func (cb *convBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := cb.conv1.forward(x)
	if err != nil {
		return nil, err
	}
	h, err = cb.act1.forward(h)
	if err != nil {
		return nil, err
	}
	h, err = cb.conv2.forward(h)
	if err != nil {
		return nil, err
	}
	return cb.act2.forward(h)
}

func (cb *convBlock) backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := cb.act2.backward(gradOut)
	if err != nil {
		return nil, err
	}
	g, err = cb.conv2.backward(g)
	if err != nil {
		return nil, err
	}
	g, err = cb.act1.backward(g)
	if err != nil {
		return nil, err
	}
	return cb.conv1.backward(g)
}

func (cb *convBlock) parameters() []*tensor.Tensor {
	params := cb.conv1.parameters()
	return append(params, cb.conv2.parameters()...)
}

// UNetConfig describes a two-level U-Net for binary segmentation.
type UNetConfig struct {
	InChannels  int // Input image channels (1 for grayscale microscopy)
	OutChannels int // Output logit channels (1 for foreground probability)
	BaseWidth   int // Channel width of the first encoder block
}

// DefaultUNetConfig returns the configuration used by the cell segmentation
// experiments: single-channel input and output with 16 base features.
func DefaultUNetConfig() UNetConfig {
	return UNetConfig{InChannels: 1, OutChannels: 1, BaseWidth: 16}
}

// UNet is a compact encoder-decoder segmentation network with one skip
// connection. It produces logits; callers apply a sigmoid where probabilities
// are needed.
type UNet struct {
	cfg UNetConfig

	encoder    *convBlock
	pool       *maxPool2
	bottleneck *convBlock
	up         *upsample2
	decoder    *convBlock
	head       *conv2d

	// Channel counts at the skip concatenation, needed to split gradients.
	skipC, upC int

	training bool
}

// NewUNet builds a U-Net from the given configuration. Non-positive config
// fields are replaced by the defaults.
func NewUNet(cfg UNetConfig) (*UNet, error) {
	def := DefaultUNetConfig()
	if cfg.InChannels <= 0 {
		cfg.InChannels = def.InChannels
	}
	if cfg.OutChannels <= 0 {
		cfg.OutChannels = def.OutChannels
	}
	if cfg.BaseWidth <= 0 {
		cfg.BaseWidth = def.BaseWidth
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
	head, err := newConv2D(base, cfg.OutChannels, 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "building output head")
	}

	return &UNet{
		cfg:        cfg,
		encoder:    encoder,
		pool:       &maxPool2{},
		bottleneck: bottleneck,
		up:         &upsample2{},
		decoder:    decoder,
		head:       head,
		skipC:      base,
		upC:        base * 2,
		training:   true,
	}, nil
}

// Forward runs the network on a [N, C, H, W] batch and returns logits of the
// same spatial size. H and W must be even so the pooling stage divides them.
func (u *UNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	skip, err := u.encoder.forward(input)
	if err != nil {
		return nil, errors.Wrap(err, "encoder forward")
	}
	h, err := u.pool.forward(skip)
	if err != nil {
		return nil, errors.Wrap(err, "pool forward")
	}
	h, err = u.bottleneck.forward(h)
	if err != nil {
		return nil, errors.Wrap(err, "bottleneck forward")
	}
	h, err = u.up.forward(h)
	if err != nil {
		return nil, errors.Wrap(err, "upsample forward")
	}
	h, err = concatChannels(skip, h)
	if err != nil {
		return nil, errors.Wrap(err, "skip concat")
	}
	h, err = u.decoder.forward(h)
	if err != nil {
		return nil, errors.Wrap(err, "decoder forward")
	}
	return u.head.forward(h)
}

// Backward propagates the output gradient through the network, accumulating
// parameter gradients along the way.
func (u *UNet) Backward(gradOut *tensor.Tensor) error {
	g, err := u.head.backward(gradOut)
	if err != nil {
		return errors.Wrap(err, "head backward")
	}
	g, err = u.decoder.backward(g)
	if err != nil {
		return errors.Wrap(err, "decoder backward")
	}
	gSkip, gUp, err := splitChannels(g, u.skipC, u.upC)
	if err != nil {
		return errors.Wrap(err, "skip split")
	}
	g, err = u.up.backward(gUp)
	if err != nil {
		return errors.Wrap(err, "upsample backward")
	}
	g, err = u.bottleneck.backward(g)
	if err != nil {
		return errors.Wrap(err, "bottleneck backward")
	}
	g, err = u.pool.backward(g)
	if err != nil {
		return errors.Wrap(err, "pool backward")
	}
	g, err = tensor.Add(g, gSkip)
	if err != nil {
		return errors.Wrap(err, "merging skip gradient")
	}
	if _, err := u.encoder.backward(g); err != nil {
		return errors.Wrap(err, "encoder backward")
	}
	return nil
}

// Parameters returns the trainable tensors in a stable order, so two networks
// built from the same configuration can exchange weights index by index.
func (u *UNet) Parameters() []*tensor.Tensor {
	params := u.encoder.parameters()
	params = append(params, u.bottleneck.parameters()...)
	params = append(params, u.decoder.parameters()...)
	return append(params, u.head.parameters()...)
}

// Train sets the network to training mode.
func (u *UNet) Train() { u.training = true }

// Eval sets the network to evaluation mode.
func (u *UNet) Eval() { u.training = false }

// IsTraining returns true if the network is in training mode.
func (u *UNet) IsTraining() bool { return u.training }
