package backends

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/knights-analytics/sdengine/util/fileutil"
	"github.com/knights-analytics/sdengine/util/safeconv"
)

type Timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *Timings) record(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

type EngineStatistics struct {
	Name           string
	TotalTime      time.Duration
	ExecutionCount uint64
	AvgQueryTime   time.Duration
	Allocations    uint64
}

// Engine wraps a compiled, shape-specialized inference engine. It holds one buffer set at a time,
// valid for the shape dict it was allocated with, and runs on a stream shared with the other
// engines of its pipeline.
type Engine struct {
	session     Session
	stream      *Stream
	memory      *DeviceMemory
	logger      *zap.Logger
	Descriptor  *ModelDescriptor
	Timings     *Timings
	buffers     map[string]*Tensor
	shapes      ShapeDict
	Name        string
	Path        string
	allocations uint64
}

// NewEngine binds a loaded session to a descriptor. The session must declare every binding of the descriptor.
func NewEngine(descriptor *ModelDescriptor, session Session, stream *Stream, memory *DeviceMemory, logger *zap.Logger) (*Engine, error) {
	if err := descriptor.CheckMeta(session.InputsMeta(), session.OutputsMeta()); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		session:    session,
		stream:     stream,
		memory:     memory,
		logger:     logger.With(zap.String("engine", descriptor.Name)),
		Descriptor: descriptor,
		Timings:    &Timings{},
		Name:       descriptor.Name,
	}, nil
}

// LoadEngine loads the engine file at path with loader and binds it to descriptor.
func LoadEngine(path string, descriptor *ModelDescriptor, loader SessionLoader, stream *Stream, memory *DeviceMemory, logger *zap.Logger) (*Engine, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEngineLoad, path, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, path)
	}
	session, err := loader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEngineLoad, path, err)
	}
	engine, err := NewEngine(descriptor, session, stream, memory, logger)
	if err != nil {
		return nil, errors.Join(err, session.Destroy())
	}
	engine.Path = path
	return engine, nil
}

// AllocateBuffers binds a buffer set for shapes. Calling it again with an identical shape dict keeps the
// current set; any other shape dict gets fresh memory. On failure the engine holds no buffers.
func (e *Engine) AllocateBuffers(shapes ShapeDict) error {
	if err := e.checkStream(); err != nil {
		return err
	}
	if e.buffers != nil && e.shapes.Equal(shapes) {
		return nil
	}
	e.releaseBuffers()

	var total int64
	for _, b := range e.Descriptor.Bindings {
		shape, ok := shapes[b.Name]
		if !ok {
			return fmt.Errorf("%w: %s has no shape for binding %q", ErrInvalidShape, e.Name, b.Name)
		}
		total += int64(shape.NumElements()) * b.DType.Size()
	}
	if err := e.memory.Reserve(e.Name, total); err != nil {
		e.logger.Warn("buffer allocation failed", zap.Int64("bytes", total), zap.Error(err))
		return err
	}

	buffers := make(map[string]*Tensor, len(e.Descriptor.Bindings))
	bound := make(ShapeDict, len(e.Descriptor.Bindings))
	for _, b := range e.Descriptor.Bindings {
		shape := shapes[b.Name].Clone()
		buffers[b.Name] = NewTensor(b.DType, shape)
		bound[b.Name] = shape
	}
	e.buffers = buffers
	e.shapes = bound
	e.allocations++
	e.logger.Debug("allocated buffers", zap.Any("shapes", bound), zap.Int64("bytes", total))
	return nil
}

func (e *Engine) checkStream() error {
	if e.stream.Released() {
		return fmt.Errorf("%w: engine %s", ErrStreamReleased, e.Name)
	}
	return nil
}

func (e *Engine) releaseBuffers() {
	if e.buffers == nil {
		return
	}
	e.memory.Free(e.Name)
	e.buffers = nil
	e.shapes = nil
}

// Shapes returns the shape dict of the bound buffer set, or nil.
func (e *Engine) Shapes() ShapeDict {
	return e.shapes
}

// Buffer returns the bound buffer for a binding.
func (e *Engine) Buffer(name string) (*Tensor, bool) {
	t, ok := e.buffers[name]
	return t, ok
}

// Infer copies feed into the bound input buffers, runs the engine on the stream and returns copies
// of the output buffers. Every input must have exactly the bound shape.
func (e *Engine) Infer(feed map[string]*Tensor) (map[string]*Tensor, error) {
	if err := e.checkStream(); err != nil {
		return nil, err
	}
	if e.buffers == nil {
		return nil, fmt.Errorf("%w: %s", ErrBuffersNotAllocated, e.Name)
	}
	inputs := map[string]*Tensor{}
	outputs := map[string]*Tensor{}
	for _, b := range e.Descriptor.Bindings {
		buffer := e.buffers[b.Name]
		if !b.Input {
			outputs[b.Name] = buffer
			continue
		}
		t, ok := feed[b.Name]
		if !ok {
			return nil, fmt.Errorf("%s: missing input %q", e.Name, b.Name)
		}
		if !t.Shape.Equal(buffer.Shape) {
			return nil, fmt.Errorf("%w: %s input %q is %s, buffers are allocated for %s",
				ErrShapeMismatch, e.Name, b.Name, t.Shape, buffer.Shape)
		}
		if err := copyInto(buffer, t); err != nil {
			return nil, fmt.Errorf("%s input %q: %w", e.Name, b.Name, err)
		}
		inputs[b.Name] = buffer
	}

	start := time.Now()
	err := e.stream.Enqueue(func() error {
		return e.session.Run(inputs, outputs)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	e.Timings.record(start)

	result := make(map[string]*Tensor, len(outputs))
	for name, t := range outputs {
		result[name] = t.Clone()
	}
	return result, nil
}

// InferBatched runs a single-input, single-output engine over any batch by splitting it into chunks
// of the bound batch size. The last chunk is padded with copies of its final row.
func (e *Engine) InferBatched(input *Tensor) (*Tensor, error) {
	ins, outs := e.Descriptor.Inputs(), e.Descriptor.Outputs()
	if len(ins) != 1 || len(outs) != 1 {
		return nil, fmt.Errorf("%s: batched inference needs one input and one output", e.Name)
	}
	if err := e.checkStream(); err != nil {
		return nil, err
	}
	if e.buffers == nil {
		return nil, fmt.Errorf("%w: %s", ErrBuffersNotAllocated, e.Name)
	}
	inName, outName := ins[0].Name, outs[0].Name
	chunk := int(e.shapes[inName][0])
	total := input.BatchSize()
	if total == 0 {
		return nil, fmt.Errorf("%w: %s input is empty", ErrInvalidShape, e.Name)
	}

	parts := make([]*Tensor, 0, int(math.Ceil(float64(total)/float64(chunk))))
	for start := 0; start < total; start += chunk {
		end := min(start+chunk, total)
		part, err := input.SliceBatch(start, end)
		if err != nil {
			return nil, err
		}
		if n := end - start; n < chunk {
			last, err := input.SliceBatch(end-1, end)
			if err != nil {
				return nil, err
			}
			padding, err := last.Repeat(chunk - n)
			if err != nil {
				return nil, err
			}
			if part, err = ConcatBatch(part, padding); err != nil {
				return nil, err
			}
		}
		out, err := e.Infer(map[string]*Tensor{inName: part})
		if err != nil {
			return nil, err
		}
		result := out[outName]
		if n := end - start; n < chunk {
			if result, err = result.SliceBatch(0, n); err != nil {
				return nil, err
			}
		}
		parts = append(parts, result)
	}
	return ConcatBatch(parts...)
}

func (e *Engine) GetStatistics() EngineStatistics {
	return EngineStatistics{
		Name:           e.Name,
		TotalTime:      safeconv.U64ToDuration(atomic.LoadUint64(&e.Timings.TotalNS)),
		ExecutionCount: atomic.LoadUint64(&e.Timings.NumCalls),
		AvgQueryTime: time.Duration(float64(atomic.LoadUint64(&e.Timings.TotalNS)) /
			math.Max(1, float64(atomic.LoadUint64(&e.Timings.NumCalls)))),
		Allocations: e.allocations,
	}
}

// Destroy frees the buffers and the underlying session. The stream is not released: it belongs to the pipeline.
func (e *Engine) Destroy() error {
	e.releaseBuffers()
	return e.session.Destroy()
}
