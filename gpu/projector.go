package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Projector multiplies a hidden vector by a resident [rows, cols] matrix on
// the GPU. It satisfies nn.Projector. Calls are serialized.
type Projector struct {
	Rows int
	Cols int

	Workgroup uint32

	mu         sync.Mutex
	ctx        *Context
	pipeline   *wgpu.ComputePipeline
	bindGroup  *wgpu.BindGroup
	weights    *wgpu.Buffer
	hidden     *wgpu.Buffer
	logits     *wgpu.Buffer
	workgroups uint32
}

// NewProjector uploads weights (row-major, rows = vocab, cols = hidden) once
// and compiles the mat-vec pipeline. It fails when no adapter is available.
func NewProjector(weights []float32, rows, cols int) (*Projector, error) {
	if rows <= 0 || cols <= 0 || len(weights) != rows*cols {
		return nil, fmt.Errorf("gpu projector: have %d weights, want %d x %d", len(weights), rows, cols)
	}

	c, err := GetContext()
	if err != nil {
		return nil, fmt.Errorf("gpu projector: %w", err)
	}

	limits := probeAdapter(c.Adapter).Limits
	if err := limits.Fits(rows, cols); err != nil {
		return nil, fmt.Errorf("gpu projector: %w", err)
	}
	wg := limits.workgroupSize()

	p := &Projector{
		Rows:       rows,
		Cols:       cols,
		Workgroup:  wg,
		ctx:        c,
		workgroups: uint32((rows + int(wg) - 1) / int(wg)),
	}
	if err := p.build(weights); err != nil {
		p.Release()
		return nil, fmt.Errorf("gpu projector: %w", err)
	}
	return p, nil
}

func (p *Projector) build(weights []float32) error {
	var err error
	dev := p.ctx.Device

	p.weights, err = NewFloatBuffer(p.ctx, "LMHead_W", weights, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return err
	}
	p.hidden, err = dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "LMHead_In",
		Size:  uint64(p.Cols * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}
	p.logits, err = dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "LMHead_Out",
		Size:  uint64(p.Rows * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return err
	}

	module, err := dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "LMHead_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: matVecShader(p.Rows, p.Cols, p.Workgroup)},
	})
	if err != nil {
		return fmt.Errorf("shader compile: %w", err)
	}
	defer module.Release()

	bgl, err := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "LMHead_BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bgl: %w", err)
	}

	layout, err := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "LMHead_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}

	p.pipeline, err = dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "LMHead_Pipe",
		Layout: layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline create: %w", err)
	}

	p.bindGroup, err = dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "LMHead_Bind",
		Layout: bgl,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: p.weights, Size: p.weights.GetSize()},
			{Binding: 1, Buffer: p.hidden, Size: p.hidden.GetSize()},
			{Binding: 2, Buffer: p.logits, Size: p.logits.GetSize()},
		},
	})
	return err
}

// Project returns the logits for one hidden vector.
func (p *Projector) Project(hidden []float32) ([]float32, error) {
	if len(hidden) != p.Cols {
		return nil, fmt.Errorf("gpu projector: hidden width %d, want %d", len(hidden), p.Cols)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pipeline == nil {
		return nil, fmt.Errorf("gpu projector: released")
	}

	p.ctx.Queue.WriteBuffer(p.hidden, 0, wgpu.ToBytes(hidden))

	enc, err := p.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, p.bindGroup, nil)
	pass.DispatchWorkgroups(p.workgroups, 1, 1)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	p.ctx.Queue.Submit(cmd)

	return ReadBuffer(p.ctx, p.logits, p.Rows)
}

// Release frees the GPU resources. The projector is unusable afterwards.
func (p *Projector) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bindGroup != nil {
		p.bindGroup.Release()
		p.bindGroup = nil
	}
	if p.pipeline != nil {
		p.pipeline.Release()
		p.pipeline = nil
	}
	for _, b := range []*wgpu.Buffer{p.weights, p.hidden, p.logits} {
		if b != nil {
			b.Destroy()
		}
	}
	p.weights, p.hidden, p.logits = nil, nil, nil
}

func matVecShader(rows, cols int, workgroup uint32) string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> weights: array<f32>;
@group(0) @binding(1) var<storage, read> hidden: array<f32>;
@group(0) @binding(2) var<storage, read_write> logits: array<f32>;

const ROWS: u32 = %du;
const COLS: u32 = %du;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.x;
    if (row >= ROWS) {
        return;
    }
    let base = row * COLS;
    var sum: f32 = 0.0;
    for (var c: u32 = 0u; c < COLS; c = c + 1u) {
        sum = sum + weights[base + c] * hidden[c];
    }
    logits[row] = sum;
}
`, rows, cols, workgroup)
}
