package schedulers

import (
	"fmt"
	"math"
	"slices"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/vecf32"

	"github.com/knights-analytics/sdengine/backends"
	"github.com/knights-analytics/sdengine/util/fileutil"
)

// DDPMConfig mirrors scheduler/scheduler_config.json.
type DDPMConfig struct {
	BetaSchedule       string  `json:"beta_schedule"`
	PredictionType     string  `json:"prediction_type"`
	TimestepSpacing    string  `json:"timestep_spacing"`
	VarianceType       string  `json:"variance_type"`
	NumTrainTimesteps  int     `json:"num_train_timesteps"`
	StepsOffset        int     `json:"steps_offset"`
	BetaStart          float64 `json:"beta_start"`
	BetaEnd            float64 `json:"beta_end"`
	ClipSampleRange    float64 `json:"clip_sample_range"`
	ClipSample         bool    `json:"clip_sample"`
	SetAlphaToOne      bool    `json:"set_alpha_to_one"`
}

// DefaultDDPMConfig is the configuration shipped with Stable Diffusion 1.x checkpoints.
func DefaultDDPMConfig() DDPMConfig {
	return DDPMConfig{
		BetaSchedule:      "scaled_linear",
		PredictionType:    "epsilon",
		TimestepSpacing:   "leading",
		VarianceType:      "fixed_small",
		NumTrainTimesteps: 1000,
		StepsOffset:       1,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		ClipSampleRange:   1,
	}
}

// LoadDDPMConfig reads a scheduler config. Missing fields keep their defaults.
func LoadDDPMConfig(path string) (DDPMConfig, error) {
	config := DefaultDDPMConfig()
	configBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return config, fmt.Errorf("%w: %s: %w", backends.ErrWeightsNotFound, path, err)
	}
	if err = jsoniter.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("error parsing scheduler config %s: %w", path, err)
	}
	return config, nil
}

// DDPMScheduler implements the denoising diffusion probabilistic model schedule with
// fixed small posterior variance.
type DDPMScheduler struct {
	alphasCumprod []float64
	timesteps     []int
	Config        DDPMConfig
	stepRatio     int
}

func NewDDPMScheduler(config DDPMConfig) (*DDPMScheduler, error) {
	if config.NumTrainTimesteps < 1 {
		return nil, fmt.Errorf("num_train_timesteps must be positive, got %d", config.NumTrainTimesteps)
	}
	switch config.PredictionType {
	case "epsilon", "v_prediction", "sample":
	default:
		return nil, fmt.Errorf("prediction_type %q is not supported", config.PredictionType)
	}
	if config.VarianceType != "" && config.VarianceType != "fixed_small" {
		return nil, fmt.Errorf("variance_type %q is not supported", config.VarianceType)
	}
	betas, err := betaSchedule(config)
	if err != nil {
		return nil, err
	}
	alphasCumprod := make([]float64, len(betas))
	product := 1.0
	for i, beta := range betas {
		product *= 1 - beta
		alphasCumprod[i] = product
	}
	s := &DDPMScheduler{Config: config, alphasCumprod: alphasCumprod}
	// default to the full training schedule until SetTimesteps is called
	s.stepRatio = 1
	s.timesteps = make([]int, config.NumTrainTimesteps)
	for i := range s.timesteps {
		s.timesteps[i] = config.NumTrainTimesteps - 1 - i
	}
	return s, nil
}

func linspace(start, end float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func betaSchedule(config DDPMConfig) ([]float64, error) {
	n := config.NumTrainTimesteps
	switch config.BetaSchedule {
	case "linear":
		return linspace(config.BetaStart, config.BetaEnd, n), nil
	case "scaled_linear":
		betas := linspace(math.Sqrt(config.BetaStart), math.Sqrt(config.BetaEnd), n)
		for i, b := range betas {
			betas[i] = b * b
		}
		return betas, nil
	case "squaredcos_cap_v2":
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		betas := make([]float64, n)
		for i := range betas {
			t1, t2 := float64(i)/float64(n), float64(i+1)/float64(n)
			betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
		return betas, nil
	}
	return nil, fmt.Errorf("beta_schedule %q is not supported", config.BetaSchedule)
}

// InitNoiseSigma is the standard deviation of the initial noise.
func (s *DDPMScheduler) InitNoiseSigma() float32 {
	return 1
}

// SetTimesteps selects numInferenceSteps timesteps from the training schedule, in descending order.
func (s *DDPMScheduler) SetTimesteps(numInferenceSteps int) error {
	n := s.Config.NumTrainTimesteps
	if numInferenceSteps < 1 || numInferenceSteps > n {
		return fmt.Errorf("num_inference_steps must be in [1, %d], got %d", n, numInferenceSteps)
	}
	timesteps := make([]int, numInferenceSteps)
	switch s.Config.TimestepSpacing {
	case "", "leading":
		s.stepRatio = n / numInferenceSteps
		for i := range timesteps {
			timesteps[numInferenceSteps-1-i] = i*s.stepRatio + s.Config.StepsOffset
		}
	case "trailing":
		ratio := float64(n) / float64(numInferenceSteps)
		s.stepRatio = int(ratio)
		for i := range timesteps {
			timesteps[i] = int(math.Round(float64(n)-float64(i)*ratio)) - 1
		}
	case "linspace":
		s.stepRatio = n / numInferenceSteps
		points := linspace(0, float64(n-1), numInferenceSteps)
		for i := range timesteps {
			timesteps[numInferenceSteps-1-i] = int(math.Round(points[i]))
		}
	default:
		return fmt.Errorf("timestep_spacing %q is not supported", s.Config.TimestepSpacing)
	}
	for i, t := range timesteps {
		timesteps[i] = min(max(t, 0), n-1)
	}
	s.timesteps = timesteps
	return nil
}

func (s *DDPMScheduler) Timesteps() []int {
	return slices.Clone(s.timesteps)
}

// GetTimesteps returns the tail of a numInferenceSteps schedule that image-to-image generation runs
// for the given strength in [0, 1].
func (s *DDPMScheduler) GetTimesteps(numInferenceSteps int, strength float64) ([]int, error) {
	if strength < 0 || strength > 1 {
		return nil, fmt.Errorf("strength must be in [0, 1], got %v", strength)
	}
	if err := s.SetTimesteps(numInferenceSteps); err != nil {
		return nil, err
	}
	initTimestep := min(int(float64(numInferenceSteps)*strength), numInferenceSteps)
	start := max(numInferenceSteps-initTimestep, 0)
	return slices.Clone(s.timesteps[start:]), nil
}

func (s *DDPMScheduler) checkTimestep(t int) error {
	if t < 0 || t >= len(s.alphasCumprod) {
		return fmt.Errorf("timestep %d outside [0, %d)", t, len(s.alphasCumprod))
	}
	return nil
}

// AddNoise is the forward-noising rule: sqrt(acp[t]) * original + sqrt(1 - acp[t]) * noise.
func (s *DDPMScheduler) AddNoise(original, noise *backends.Tensor, t int) (*backends.Tensor, error) {
	if err := s.checkTimestep(t); err != nil {
		return nil, err
	}
	if !original.Shape.Equal(noise.Shape) {
		return nil, fmt.Errorf("%w: noise %s does not match latents %s", backends.ErrShapeMismatch, noise.Shape, original.Shape)
	}
	acp := s.alphasCumprod[t]
	noisy, err := original.As(backends.Float32)
	if err != nil {
		return nil, err
	}
	scaledNoise, err := noise.As(backends.Float32)
	if err != nil {
		return nil, err
	}
	vecf32.Scale(noisy.F32, float32(math.Sqrt(acp)))
	vecf32.Scale(scaledNoise.F32, float32(math.Sqrt(1-acp)))
	vecf32.Add(noisy.F32, scaledNoise.F32)
	return noisy, nil
}

func (s *DDPMScheduler) previousTimestep(t int) int {
	return t - s.stepRatio
}

// Step computes the sample at the previous timestep from the model output at timestep t.
// generator supplies the posterior noise and is required for every t > 0.
func (s *DDPMScheduler) Step(modelOutput *backends.Tensor, t int, sample *backends.Tensor, generator *backends.Generator) (*backends.Tensor, error) {
	if err := s.checkTimestep(t); err != nil {
		return nil, err
	}
	if !modelOutput.Shape.Equal(sample.Shape) {
		return nil, fmt.Errorf("%w: model output %s does not match sample %s", backends.ErrShapeMismatch, modelOutput.Shape, sample.Shape)
	}
	prev := s.previousTimestep(t)
	alphaProdT := s.alphasCumprod[t]
	alphaProdPrev := 1.0
	if prev >= 0 {
		alphaProdPrev = s.alphasCumprod[prev]
	}
	betaProdT := 1 - alphaProdT
	betaProdPrev := 1 - alphaProdPrev
	currentAlpha := alphaProdT / alphaProdPrev
	currentBeta := 1 - currentAlpha

	eps := modelOutput.Float32s()
	x := sample.Float32s()
	predOriginal := make([]float32, len(x))
	for i := range x {
		var p float64
		switch s.Config.PredictionType {
		case "epsilon":
			p = (float64(x[i]) - math.Sqrt(betaProdT)*float64(eps[i])) / math.Sqrt(alphaProdT)
		case "sample":
			p = float64(eps[i])
		case "v_prediction":
			p = math.Sqrt(alphaProdT)*float64(x[i]) - math.Sqrt(betaProdT)*float64(eps[i])
		}
		if s.Config.ClipSample {
			p = math.Max(-s.Config.ClipSampleRange, math.Min(s.Config.ClipSampleRange, p))
		}
		predOriginal[i] = float32(p)
	}

	originalCoeff := float32(math.Sqrt(alphaProdPrev) * currentBeta / betaProdT)
	sampleCoeff := float32(math.Sqrt(currentAlpha) * betaProdPrev / betaProdT)
	current := append([]float32(nil), x...)
	vecf32.Scale(predOriginal, originalCoeff)
	vecf32.Scale(current, sampleCoeff)
	vecf32.Add(predOriginal, current)

	if t > 0 {
		if generator == nil {
			return nil, fmt.Errorf("a noise generator is required at timestep %d", t)
		}
		variance := math.Max(betaProdPrev/betaProdT*currentBeta, 1e-20)
		noise := generator.Randn(sample.Shape)
		vecf32.Scale(noise.F32, float32(math.Sqrt(variance)))
		vecf32.Add(predOriginal, noise.F32)
	}
	return backends.NewFloat32Tensor(sample.Shape, predOriginal)
}

// AlphasCumprod returns the cumulative product of alphas at timestep t.
func (s *DDPMScheduler) AlphasCumprod(t int) float64 {
	return s.alphasCumprod[t]
}
