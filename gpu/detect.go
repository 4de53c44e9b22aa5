package gpu

import (
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// Report summarizes the adapter the projector runs on.
type Report struct {
	Backend     string   `json:"backend"`
	AdapterType string   `json:"adapter_type"`
	VendorID    string   `json:"vendor_id_hex"`
	DeviceID    string   `json:"device_id_hex"`
	Name        string   `json:"name"`
	Driver      string   `json:"driver"`
	Limits      Limits   `json:"limits"`
	Workgroup   uint32   `json:"workgroup"`
	Features    []string `json:"features,omitempty"`
}

// Limits are the adapter limits a mat-vec dispatch depends on.
type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// Probe describes the shared context's adapter.
func Probe() (*Report, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return probeAdapter(c.Adapter), nil
}

func probeAdapter(a *wgpu.Adapter) *Report {
	info := a.GetInfo()
	supported := a.GetLimits()

	l := Limits{
		MaxComputeInvocationsPerWorkgroup: supported.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          supported.Limits.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupsPerDimension:  supported.Limits.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       supported.Limits.MaxStorageBufferBindingSize,
		MaxBufferSize:                     supported.Limits.MaxBufferSize,
	}

	var feats []string
	for _, f := range a.EnumerateFeatures() {
		feats = append(feats, f.String())
	}

	return &Report{
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits:      l,
		Workgroup:   l.workgroupSize(),
		Features:    feats,
	}
}

// workgroupSize picks the largest 1D workgroup the adapter accepts.
func (l Limits) workgroupSize() uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= l.MaxComputeWorkgroupSizeX && c <= l.MaxComputeInvocationsPerWorkgroup {
			return c
		}
	}
	return 1
}

// Fits reports whether a [rows, cols] projection can be bound and
// dispatched in one pass.
func (l Limits) Fits(rows, cols int) error {
	bytes := uint64(rows) * uint64(cols) * 4
	if l.MaxStorageBufferBindingSize > 0 && bytes > l.MaxStorageBufferBindingSize {
		return fmt.Errorf("lm head needs %d bytes, storage binding limit is %d", bytes, l.MaxStorageBufferBindingSize)
	}
	if l.MaxBufferSize > 0 && bytes > l.MaxBufferSize {
		return fmt.Errorf("lm head needs %d bytes, buffer limit is %d", bytes, l.MaxBufferSize)
	}
	wg := uint64(l.workgroupSize())
	groups := (uint64(rows) + wg - 1) / wg
	if l.MaxComputeWorkgroupsPerDimension > 0 && groups > uint64(l.MaxComputeWorkgroupsPerDimension) {
		return fmt.Errorf("lm head needs %d workgroups, dispatch limit is %d", groups, l.MaxComputeWorkgroupsPerDimension)
	}
	return nil
}
