// Package gpu runs the LM-head projection on a WebGPU device.
package gpu

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/openfluke/webgpu/wgpu"
	"go.uber.org/zap"
)

// Context holds the single WebGPU context for the application
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
}

var (
	ctx     Context
	ctxOnce sync.Once
	ctxErr  error

	loggerPtr atomic.Pointer[zap.Logger]
)

// SetLogger routes adapter selection messages to l. Safe for concurrent use;
// it only affects a context that is not yet initialized.
func SetLogger(l *zap.Logger) {
	if l != nil {
		loggerPtr.Store(l.Named("gpu"))
	}
}

func log() *zap.Logger {
	if l := loggerPtr.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// GetContext returns the singleton GPU context, initializing it if necessary.
// A failed initialization is remembered and returned on every later call.
func GetContext() (*Context, error) {
	ctxOnce.Do(func() {
		ctxErr = initContext()
	})
	if ctxErr != nil {
		return nil, ctxErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}

func initContext() error {
	logger := log()

	ctx.Instance = wgpu.CreateInstance(nil)
	if ctx.Instance == nil {
		return fmt.Errorf("failed to create WebGPU instance")
	}

	// Discrete NVIDIA parts are preferred when present.
	for _, a := range ctx.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		logger.Debug("found adapter",
			zap.String("name", info.Name),
			zap.String("vendor", info.VendorName),
			zap.Any("device_id", info.DeviceId),
		)
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			ctx.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if ctx.Adapter != nil {
			break
		}
		ctx.Adapter, err = ctx.Instance.RequestAdapter(opts)
		if err != nil {
			logger.Debug("adapter request failed", zap.Error(err))
		}
	}
	if ctx.Adapter == nil {
		return fmt.Errorf("all adapter attempts failed: %v", err)
	}

	info := ctx.Adapter.GetInfo()
	logger.Info("using GPU adapter", zap.String("name", info.Name), zap.String("vendor", info.VendorName))

	ctx.Device, err = ctx.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	ctx.Queue = ctx.Device.GetQueue()
	return nil
}
