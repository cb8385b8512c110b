package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// manifestRegion is a half-open physical span in the build manifest.
type manifestRegion struct {
	Base uint64 `yaml:"base"`
	End  uint64 `yaml:"end"`
}

// manifestKernel describes one kernel replica.
type manifestKernel struct {
	PVOffset            uint64           `yaml:"pv_offset"`
	InitialTask         string           `yaml:"initial_task"`
	InitialTaskPhysBase *uint64          `yaml:"initial_task_phys_base,omitempty"`
	RAM                 []manifestRegion `yaml:"ram"`
	Reserved            []manifestRegion `yaml:"reserved,omitempty"`
}

// manifestSystemRegion is a blob placed at a fixed physical address.
type manifestSystemRegion struct {
	Addr uint64 `yaml:"addr"`
	File string `yaml:"file"`
}

// manifest is the build description consumed by mkboot.
type manifest struct {
	Arch                string `yaml:"arch"`
	Hypervisor          bool   `yaml:"hypervisor,omitempty"`
	KernelVirtualOffset uint64 `yaml:"kernel_virtual_offset"`
	RiscvPtLevels       int    `yaml:"riscv_pt_levels,omitempty"`

	Bootloader string `yaml:"bootloader"`
	Kernel     string `yaml:"kernel"`
	Output     string `yaml:"output"`

	Kernels       []manifestKernel       `yaml:"kernels"`
	SystemRegions []manifestSystemRegion `yaml:"system_regions,omitempty"`
}

// loadManifest reads and validates a build manifest. Relative paths are
// resolved against the manifest's directory.
func loadManifest(path string) (*manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if m.Bootloader == "" {
		return nil, fmt.Errorf("manifest is missing a bootloader path")
	}
	if m.Kernel == "" {
		return nil, fmt.Errorf("manifest is missing a kernel path")
	}
	if m.Output == "" {
		return nil, fmt.Errorf("manifest is missing an output path")
	}
	if len(m.Kernels) == 0 {
		return nil, fmt.Errorf("manifest describes no kernels")
	}
	for i, k := range m.Kernels {
		if k.InitialTask == "" {
			return nil, fmt.Errorf("kernel %d has no initial task", i)
		}
		if len(k.RAM) == 0 {
			return nil, fmt.Errorf("kernel %d has no RAM regions", i)
		}
		for _, r := range append(append([]manifestRegion(nil), k.RAM...), k.Reserved...) {
			if r.Base >= r.End {
				return nil, fmt.Errorf("kernel %d region [%#x, %#x) is empty", i, r.Base, r.End)
			}
		}
	}

	dir := filepath.Dir(path)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	m.Bootloader = resolve(m.Bootloader)
	m.Kernel = resolve(m.Kernel)
	m.Output = resolve(m.Output)
	for i := range m.Kernels {
		m.Kernels[i].InitialTask = resolve(m.Kernels[i].InitialTask)
	}
	for i := range m.SystemRegions {
		if m.SystemRegions[i].File == "" {
			return nil, fmt.Errorf("system region %d has no data file", i)
		}
		m.SystemRegions[i].File = resolve(m.SystemRegions[i].File)
	}

	return &m, nil
}
