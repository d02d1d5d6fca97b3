package stt

import (
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Device is the compute target handed to an engine.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// deviceResolver settles the device once per adapter lifetime.
type deviceResolver struct {
	preference string
	probe      func() bool

	once   sync.Once
	device Device
}

func newDeviceResolver(preference string) *deviceResolver {
	return &deviceResolver{preference: preference, probe: cudaAvailable}
}

func (r *deviceResolver) Device() Device {
	r.once.Do(func() {
		switch strings.ToLower(strings.TrimSpace(r.preference)) {
		case string(DeviceCPU):
			r.device = DeviceCPU
		case string(DeviceCUDA):
			r.device = DeviceCUDA
		default:
			if r.probe != nil && r.probe() {
				r.device = DeviceCUDA
			} else {
				r.device = DeviceCPU
			}
		}
	})
	return r.device
}

func cudaAvailable() bool {
	if _, err := os.Stat("/proc/driver/nvidia/version"); err == nil {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}
