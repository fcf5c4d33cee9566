package model

import (
	"fmt"

	"github.com/gomlx/gomlx/models/inceptionv3"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	timages "github.com/gomlx/gomlx/types/tensors/images"
)

var cnnFilters = []int{32, 64, 128}

// cnnLogits: three conv3x3/ReLU/maxpool blocks, dense 256, dropout 0.5.
func cnnLogits(ctx *context.Context, x *Node, numClasses int) *Node {
	for i, filters := range cnnFilters {
		x = layers.Convolution(ctx.In(fmt.Sprintf("conv_%d", i)), x).
			Filters(filters).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		x = MaxPool(x).Window(2).Done()
	}
	batch := x.Shape().Dimensions[0]
	x = Reshape(x, batch, -1)
	x = activations.Relu(layers.Dense(ctx.In("dense_0"), x, true, 256))
	x = layers.DropoutStatic(ctx, x, 0.5)
	return layers.Dense(ctx.In("logits"), x, true, numClasses)
}

// transferLogits runs the frozen InceptionV3 backbone on RGB input scaled to
// [-1,1] and trains a small head on its pooled features.
func transferLogits(ctx *context.Context, x *Node, numClasses int, backboneDir string) *Node {
	x = Reverse(x, 3) // BGR -> RGB
	x = inceptionv3.PreprocessImage(x, 1.0, timages.ChannelsLast)
	features := inceptionv3.BuildGraph(ctx, x).
		PreTrained(backboneDir).
		SetPooling(inceptionv3.MeanPooling).
		Trainable(false).
		Done()

	head := ctx.In("head")
	h := layers.DropoutStatic(head, features, 0.3)
	dense := head.In("dense_0")
	dense.SetParam(regularizers.ParamL2, 1e-3)
	h = activations.Relu(layers.Dense(dense, h, true, 128))
	h = layers.DropoutStatic(head, h, 0.3)
	return layers.Dense(head.In("logits"), h, true, numClasses)
}

func (s Spec) logits(ctx *context.Context, x *Node) *Node {
	if s.Variant == VariantTransfer {
		return transferLogits(ctx, x, s.NumClasses, s.BackboneDir)
	}
	return cnnLogits(ctx, x, s.NumClasses)
}

// architecture is the static part of the model summary.
func (s Spec) architecture() []string {
	if s.Variant == VariantTransfer {
		return []string{
			fmt.Sprintf("input %v (BGR, [0,1])", s.InputShape),
			"reverse channels -> RGB, scale to [-1,1]",
			"inceptionv3 backbone (frozen, mean pooling) -> 2048",
			"dropout 0.3",
			"dense 128 relu (l2 1e-3)",
			"dropout 0.3",
			fmt.Sprintf("dense %d logits", s.NumClasses),
		}
	}
	lines := []string{fmt.Sprintf("input %v", s.InputShape)}
	for _, f := range cnnFilters {
		lines = append(lines, fmt.Sprintf("conv 3x3 x%d same relu", f), "maxpool 2x2")
	}
	return append(lines,
		"flatten",
		"dense 256 relu",
		"dropout 0.5",
		fmt.Sprintf("dense %d logits", s.NumClasses),
	)
}
