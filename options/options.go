package options

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/knights-analytics/embedviz/util/fileutil"
)

// Device is the compute device a session runs its models on.
type Device string

const (
	DeviceAuto     Device = "auto"
	DeviceCPU      Device = "cpu"
	DeviceCUDA     Device = "cuda"
	DeviceCoreML   Device = "coreml"
	DeviceDirectML Device = "directml"
)

// ParseDevice maps a user supplied device name onto a Device.
func ParseDevice(name string) (Device, error) {
	switch Device(strings.ToLower(strings.TrimSpace(name))) {
	case "", DeviceAuto:
		return DeviceAuto, nil
	case DeviceCPU:
		return DeviceCPU, nil
	case DeviceCUDA, "gpu":
		return DeviceCUDA, nil
	case DeviceCoreML, "mps":
		return DeviceCoreML, nil
	case DeviceDirectML, "dml":
		return DeviceDirectML, nil
	default:
		return "", fmt.Errorf("unknown device %q, expected one of auto, cpu, cuda, coreml, directml", name)
	}
}

// IsAccelerator reports whether the device needs an execution provider other than the CPU.
func (d Device) IsAccelerator() bool {
	return d == DeviceCUDA || d == DeviceCoreML || d == DeviceDirectML
}

type Options struct {
	ORTOptions *OrtOptions
	// RuntimeOptions holds backend specific session options once the backend is initialised.
	RuntimeOptions any
	Destroy        func() error
	Backend        string
	Device         Device
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Device: DeviceAuto,
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
	CoreMLFlags       *uint32
	DirectMLDeviceID  *int
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithDevice selects the compute device. "auto" prefers an accelerator when the backend
// can initialise one and falls back to the CPU otherwise. Only the ORT backend can drive
// accelerators; the GO backend accepts "auto" and "cpu".
func WithDevice(name string) WithOption {
	return func(o *Options) error {
		device, err := ParseDevice(name)
		if err != nil {
			return err
		}
		if device.IsAccelerator() && o.Backend != "ORT" {
			return fmt.Errorf("device %s requires the ORT backend, the %s backend only runs on cpu", device, o.Backend)
		}
		o.Device = device
		return nil
	}
}

// WithOnnxLibraryPath (ORT only) Use this function to set the directory holding the
// "libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll" file.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		isDir, err := fileutil.IsDir(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		if !isDir {
			return fmt.Errorf("%s is not a directory", ortLibraryPath)
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// separate graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
		}
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithMemPattern is only supported for ORT backend")
		}
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda (ORT only) sets the CUDA provider options and pins the device to cuda.
func WithCuda(cudaOptions map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		if cudaOptions == nil {
			cudaOptions = map[string]string{}
		}
		o.ORTOptions.CudaOptions = cudaOptions
		o.Device = DeviceCUDA
		return nil
	}
}

// WithCoreML (ORT only) sets the CoreML provider flags and pins the device to coreml.
func WithCoreML(flags uint32) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCoreML is only supported for ORT backend")
		}
		o.ORTOptions.CoreMLFlags = &flags
		o.Device = DeviceCoreML
		return nil
	}
}

// WithDirectML (ORT only) selects the DirectML adapter and pins the device to directml.
func WithDirectML(deviceID int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithDirectML is only supported for ORT backend")
		}
		o.ORTOptions.DirectMLDeviceID = &deviceID
		o.Device = DeviceDirectML
		return nil
	}
}
