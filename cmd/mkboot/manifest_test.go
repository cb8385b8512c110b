package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mkboot.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifestResolvesPaths(t *testing.T) {
	path := writeManifest(t, `
arch: aarch64
kernel_virtual_offset: 0xFFFFFF7FC0000000
bootloader: build/loader.elf
kernel: build/kernel.elf
output: build/loader.img
kernels:
  - pv_offset: 0xFFFFFF7FC0000000
    initial_task: build/task.elf
    ram:
      - {base: 0x40000000, end: 0x80000000}
`)
	m, err := loadManifest(path)
	if err != nil {
		t.Fatalf("loadManifest returned error: %v", err)
	}
	dir := filepath.Dir(path)
	if m.Bootloader != filepath.Join(dir, "build/loader.elf") {
		t.Fatalf("bootloader path = %q, not resolved against manifest dir", m.Bootloader)
	}
	if m.Kernels[0].InitialTask != filepath.Join(dir, "build/task.elf") {
		t.Fatalf("initial task path = %q, not resolved against manifest dir", m.Kernels[0].InitialTask)
	}
	if m.KernelVirtualOffset != 0xFFFFFF7FC0000000 {
		t.Fatalf("kernel_virtual_offset = %#x, want %#x", m.KernelVirtualOffset, uint64(0xFFFFFF7FC0000000))
	}
	if m.Kernels[0].InitialTaskPhysBase != nil {
		t.Fatalf("initial_task_phys_base = %v, want unset", *m.Kernels[0].InitialTaskPhysBase)
	}
}

func TestLoadManifestRejectsEmptyRegions(t *testing.T) {
	path := writeManifest(t, `
arch: riscv64
riscv_pt_levels: 3
kernel_virtual_offset: 0x1000
bootloader: loader.elf
kernel: kernel.elf
output: out.img
kernels:
  - pv_offset: 0x1000
    initial_task: task.elf
    ram:
      - {base: 0x2000, end: 0x2000}
`)
	if _, err := loadManifest(path); err == nil {
		t.Fatalf("empty RAM region expected error")
	}
}

func TestLoadManifestRequiresKernels(t *testing.T) {
	path := writeManifest(t, `
arch: aarch64
bootloader: loader.elf
kernel: kernel.elf
output: out.img
`)
	if _, err := loadManifest(path); err == nil {
		t.Fatalf("manifest without kernels expected error")
	}
}
