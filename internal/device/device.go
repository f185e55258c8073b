// Package device picks the compute profile the tensor kernels run with.
package device

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"

	"prostate-seg/internal/tensor"
)

// Kind names a compute profile.
type Kind string

const (
	// Multicore fans kernels out over every usable core.
	Multicore Kind = "cpu-multicore"
	// Single runs kernels on one goroutine.
	Single Kind = "cpu"
)

// Device describes the selected profile.
type Device struct {
	Kind    Kind
	Name    string
	Workers int
	AVX512  bool
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, %d workers)", d.Kind, d.Name, d.Workers)
}

// Select inspects the host, configures the tensor worker pool and returns
// the chosen profile. Passing maxWorkers > 0 caps the pool.
func Select(maxWorkers int) Device {
	d := detect(cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, runtime.GOMAXPROCS(0), maxWorkers)
	d.AVX512 = cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ)
	tensor.SetWorkers(d.Workers)
	return d
}

func detect(brand string, logical, procs, maxWorkers int) Device {
	if brand == "" {
		brand = runtime.GOARCH
	}
	workers := procs
	if logical > 0 && logical < workers {
		workers = logical
	}
	if maxWorkers > 0 && maxWorkers < workers {
		workers = maxWorkers
	}
	if workers <= 1 {
		return Device{Kind: Single, Name: brand, Workers: 1}
	}
	return Device{Kind: Multicore, Name: brand, Workers: workers}
}
