package pose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"
	"strings"

	"github.com/nfnt/resize"
	"github.com/owulveryck/onnx-go"
	"github.com/owulveryck/onnx-go/backend/x/gorgonnx"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"poseoverlay/internal/keypoint"
)

// Tensor layouts accepted for the model input.
const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

// Score activations applied to the pose-presence output.
const (
	ScoreSigmoid  = "sigmoid"
	ScoreIdentity = "none"
)

// landmark tensor values per landmark: x, y, z, visibility, presence.
const landmarkStride = 5

// maxModelLandmarks bounds the schema plus auxiliary landmarks a model may emit.
const maxModelLandmarks = 39

// ErrModelOutput is returned when the model outputs cannot be decoded.
var ErrModelOutput = errors.New("unexpected model output")

// ONNXConfig configures the in-process model backend.
type ONNXConfig struct {
	Config

	ModelPath string
	InputSize int
	Layout    string
	// ScoreActivation is ScoreSigmoid when the model emits the pose score as
	// a logit and ScoreIdentity when it is already a probability.
	ScoreActivation string
}

// ONNXOpener loads the model once and opens detectors sharing its bytes.
type ONNXOpener struct {
	cfg    ONNXConfig
	model  []byte
	logger *zap.Logger
}

// NewONNXOpener reads the model file.
func NewONNXOpener(cfg ONNXConfig, logger *zap.Logger) (*ONNXOpener, error) {
	if 0 >= cfg.InputSize {
		return nil, fmt.Errorf("invalid input size %d", cfg.InputSize)
	}

	cfg.Layout = strings.ToLower(cfg.Layout)
	if "" == cfg.Layout {
		cfg.Layout = LayoutNHWC
	}
	if LayoutNHWC != cfg.Layout && LayoutNCHW != cfg.Layout {
		return nil, fmt.Errorf("invalid tensor layout %q", cfg.Layout)
	}

	cfg.ScoreActivation = strings.ToLower(cfg.ScoreActivation)
	if "" == cfg.ScoreActivation {
		cfg.ScoreActivation = ScoreSigmoid
	}
	if ScoreSigmoid != cfg.ScoreActivation && ScoreIdentity != cfg.ScoreActivation {
		return nil, fmt.Errorf("invalid score activation %q", cfg.ScoreActivation)
	}

	b, err := os.ReadFile(cfg.ModelPath)
	if nil != err {
		return nil, fmt.Errorf("read pose model: %w", err)
	}

	logger.Info("pose model loaded",
		zap.String("path", cfg.ModelPath),
		zap.Int("bytes", len(b)),
		zap.Int("input_size", cfg.InputSize),
		zap.String("layout", cfg.Layout),
		zap.String("score_activation", cfg.ScoreActivation),
	)

	return &ONNXOpener{cfg: cfg, model: b, logger: logger}, nil
}

// Open builds a fresh computation graph for one run.
func (o *ONNXOpener) Open(mode Mode) (Detector, error) {
	backend := gorgonnx.NewGraph()
	model := onnx.NewModel(backend)

	if err := model.UnmarshalBinary(o.model); nil != err {
		return nil, fmt.Errorf("decode pose model: %w", err)
	}

	o.logger.Debug("pose detector opened", zap.Stringer("mode", mode))

	return newModelDetector(&graph{model: model, backend: backend}, mode, o.cfg), nil
}

// inferencer runs the landmark model on one input tensor.
type inferencer interface {
	Infer(input tensor.Tensor) ([]tensor.Tensor, error)
}

type graph struct {
	model   *onnx.Model
	backend *gorgonnx.Graph
}

func (g *graph) Infer(input tensor.Tensor) ([]tensor.Tensor, error) {
	if err := g.model.SetInput(0, input); nil != err {
		return nil, err
	}

	if err := g.backend.Run(); nil != err {
		return nil, err
	}

	return g.model.GetOutputTensors()
}

// modelDetector runs the landmark model on the whole frame or, in video
// mode, on the region around the previous pose.
type modelDetector struct {
	model inferencer
	mode  Mode
	cfg   ONNXConfig

	roi    image.Rectangle
	closed bool
}

func newModelDetector(model inferencer, mode Mode, cfg ONNXConfig) *modelDetector {
	return &modelDetector{model: model, mode: mode, cfg: cfg}
}

func (d *modelDetector) Detect(ctx context.Context, img image.Image) (*Result, error) {
	if d.closed {
		return nil, errors.New("detector closed")
	}

	if err := ctx.Err(); nil != err {
		return nil, err
	}

	bounds := img.Bounds()

	if ModeVideo == d.mode && !d.roi.Empty() {
		res, err := d.infer(img, d.roi)
		if nil != err {
			return nil, err
		}

		if res.Score >= d.cfg.MinTrackingConfidence {
			d.roi = trackingRegion(res, bounds)
			return res, nil
		}
	}

	res, err := d.infer(img, bounds)
	if nil != err {
		return nil, err
	}

	if res.Score < d.cfg.MinDetectionConfidence {
		d.roi = image.Rectangle{}
		return nil, nil
	}

	if ModeVideo == d.mode {
		d.roi = trackingRegion(res, bounds)
	}

	return res, nil
}

func (d *modelDetector) Close() error {
	d.closed = true
	d.model = nil
	return nil
}

// infer runs the model on region of img and returns landmarks normalized
// to the full image.
func (d *modelDetector) infer(img image.Image, region image.Rectangle) (*Result, error) {
	size := d.cfg.InputSize
	scaled := resize.Resize(uint(size), uint(size), crop(img, region), resize.Bilinear)

	input := tensor.New(
		tensor.WithShape(inputShape(d.cfg.Layout, size)...),
		tensor.WithBacking(toTensorData(scaled, size, d.cfg.Layout)),
	)

	outputs, err := d.model.Infer(input)
	if nil != err {
		return nil, fmt.Errorf("run pose model: %w", err)
	}

	return decodeOutputs(outputs, size, d.cfg.ScoreActivation, region, img.Bounds())
}

func inputShape(layout string, size int) []int {
	if LayoutNCHW == layout {
		return []int{1, 3, size, size}
	}
	return []int{1, size, size, 3}
}

func crop(img image.Image, region image.Rectangle) image.Image {
	if region == img.Bounds() {
		return img
	}

	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(region)
	}

	out := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(out, out.Bounds(), img, region.Min, draw.Src)
	return out
}

// toTensorData converts an image of size x size to float32 RGB in [0,1].
func toTensorData(img image.Image, size int, layout string) []float32 {
	data := make([]float32, 3*size*size)
	b := img.Bounds()
	plane := size * size

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rgb := [3]float32{float32(r) / 0xFFFF, float32(g) / 0xFFFF, float32(bl) / 0xFFFF}

			for c, v := range rgb {
				if LayoutNCHW == layout {
					data[c*plane+y*size+x] = v
				} else {
					data[(y*size+x)*3+c] = v
				}
			}
		}
	}

	return data
}

// decodeOutputs picks the landmark and score tensors by size. Landmark x and
// y are in model input pixels; visibility and presence are logits. The score
// goes through sigmoid unless activation is ScoreIdentity.
func decodeOutputs(outputs []tensor.Tensor, size int, activation string, region, frame image.Rectangle) (*Result, error) {
	var (
		landmarks []float32
		score     float64
		hasScore  bool
	)

	for _, t := range outputs {
		values, ok := floats(t)
		if !ok {
			continue
		}

		n := len(values)
		switch {
		case 1 == n && !hasScore:
			score, hasScore = float64(values[0]), true
		case nil == landmarks && 0 == n%landmarkStride &&
			keypoint.NumLandmarks <= n/landmarkStride && maxModelLandmarks >= n/landmarkStride:
			landmarks = values
		}
	}

	if nil == landmarks {
		return nil, fmt.Errorf("%w: no landmark tensor among %d outputs", ErrModelOutput, len(outputs))
	}

	if !hasScore {
		return nil, fmt.Errorf("%w: no pose score tensor", ErrModelOutput)
	}

	if ScoreIdentity != activation {
		score = sigmoid(score)
	}

	s := float64(size)
	fw, fh := float64(frame.Dx()), float64(frame.Dy())
	ox, oy := float64(region.Min.X-frame.Min.X), float64(region.Min.Y-frame.Min.Y)
	rw, rh := float64(region.Dx()), float64(region.Dy())

	res := &Result{Landmarks: make([]Landmark, keypoint.NumLandmarks), Score: score}
	for i := range res.Landmarks {
		v := landmarks[i*landmarkStride : (i+1)*landmarkStride]

		res.Landmarks[i] = Landmark{
			X:          (ox + float64(v[0])/s*rw) / fw,
			Y:          (oy + float64(v[1])/s*rh) / fh,
			Z:          float64(v[2]) / s * rw / fw,
			Visibility: sigmoid(float64(v[3])),
			Presence:   sigmoid(float64(v[4])),
		}
	}

	return res, nil
}

func floats(t tensor.Tensor) ([]float32, bool) {
	switch data := t.Data().(type) {
	case []float32:
		return data, true
	case float32:
		return []float32{data}, true
	case []float64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, true
	case float64:
		return []float32{float32(data)}, true
	}
	return nil, false
}
