//go:build cgo && (ORT || ALL)

package embedviz

import (
	"errors"
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/embedviz/options"
	"github.com/knights-analytics/embedviz/util/fileutil"
)

// NewORTSession creates a session that runs .onnx checkpoints on ONNX Runtime. Only one
// ORT session can be active at a time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	session, err := newSession("ORT", opts...)
	if err != nil {
		return nil, err
	}
	return ortSession(session)
}

func ortSession(session *Session) (*Session, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}

	// set session options and initialise
	if initialised, err := session.initialiseORT(); err != nil {
		if initialised {
			destroyErr := session.Destroy()
			envErr := ort.DestroyEnvironment()
			return nil, errors.Join(err, destroyErr, envErr)
		}
		return nil, err
	}
	session.environmentDestroy = func() error {
		return ort.DestroyEnvironment()
	}

	return session, nil
}

func (s *Session) initialiseORT() (bool, error) {
	o := s.options.ORTOptions
	// Set pre-initialisation options
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	// Start OnnxRuntime
	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	// Create session options for use in all pipelines
	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return true, optionsError
	}
	s.options.RuntimeOptions = sessionOptions
	s.options.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return true, err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return true, err
		}
	}

	device, err := selectDevice(sessionOptions, s.options.Device, o)
	if err != nil {
		return true, err
	}
	s.options.Device = device
	return true, nil
}

// selectDevice appends the execution provider for the requested device. An explicit
// accelerator that fails to initialise is an error; auto tries the platform's
// accelerator and settles on the CPU when it is unavailable.
func selectDevice(sessionOptions *ort.SessionOptions, device options.Device, o *options.OrtOptions) (options.Device, error) {
	switch device {
	case options.DeviceCPU:
		return options.DeviceCPU, nil
	case options.DeviceAuto:
		candidate := platformAccelerator()
		if err := appendExecutionProvider(sessionOptions, candidate, o); err != nil {
			return options.DeviceCPU, nil
		}
		return candidate, nil
	default:
		if err := appendExecutionProvider(sessionOptions, device, o); err != nil {
			return device, fmt.Errorf("initialising the %s execution provider: %w", device, err)
		}
		return device, nil
	}
}

func platformAccelerator() options.Device {
	switch runtime.GOOS {
	case "darwin":
		return options.DeviceCoreML
	case "windows":
		return options.DeviceDirectML
	default:
		return options.DeviceCUDA
	}
}

func appendExecutionProvider(sessionOptions *ort.SessionOptions, device options.Device, o *options.OrtOptions) error {
	switch device {
	case options.DeviceCUDA:
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cudaOptions.Destroy()
		if len(o.CudaOptions) > 0 {
			if err = cudaOptions.Update(o.CudaOptions); err != nil {
				return err
			}
		}
		return sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
	case options.DeviceCoreML:
		var flags uint32
		if o.CoreMLFlags != nil {
			flags = *o.CoreMLFlags
		}
		return sessionOptions.AppendExecutionProviderCoreML(flags)
	case options.DeviceDirectML:
		var deviceID int
		if o.DirectMLDeviceID != nil {
			deviceID = *o.DirectMLDeviceID
		}
		return sessionOptions.AppendExecutionProviderDirectML(deviceID)
	default:
		return fmt.Errorf("no execution provider for device %s", device)
	}
}
