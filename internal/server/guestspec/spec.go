// Package guestspec loads and validates the declarative description of a
// single guest. Specs are read from <name>.ini files and are immutable once
// loaded; everything the supervisor and launcher need is derived from here.
package guestspec

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// DefaultShutdownTimeout bounds a graceful guest shutdown when the spec
// does not say otherwise.
const DefaultShutdownTimeout = 300 * time.Second

const sectionName = "guest"

// Spec describes one guest: resources, identifiers, and boot source.
type Spec struct {
	Name            string
	MemoryMB        int
	CPUSockets      int
	CPUCores        int
	CPUThreads      int
	StoragePath     string
	UEFIVarsPath    string
	TapDevice       string
	Bridge          string
	MACAddress      string // optional; allocator generates one when empty
	BootImagePath   string // optional; presence selects boot-from-image
	ConsolePort     int
	ConsoleKbd      string // optional VNC keyboard layout name
	ConsoleWait     bool   // hold boot until a console client connects
	ShutdownTimeout time.Duration
}

// Load reads a guest spec from path. The guest name must match the file
// stem so a directory of specs stays self-describing.
func Load(path string) (Spec, error) {
	file, err := ini.Load(path)
	if err != nil {
		return Spec{}, fmt.Errorf("guestspec: load %s: %w", path, err)
	}
	section, err := file.GetSection(sectionName)
	if err != nil {
		return Spec{}, fmt.Errorf("guestspec: %s: missing [%s] section", path, sectionName)
	}

	spec := Spec{
		Name:          section.Key("name").String(),
		MemoryMB:      section.Key("memory_mb").MustInt(0),
		CPUSockets:    section.Key("cpu_sockets").MustInt(1),
		CPUCores:      section.Key("cpu_cores").MustInt(1),
		CPUThreads:    section.Key("cpu_threads").MustInt(1),
		StoragePath:   section.Key("storage_path").String(),
		UEFIVarsPath:  section.Key("uefi_vars_path").String(),
		TapDevice:     section.Key("tap").String(),
		Bridge:        section.Key("bridge").String(),
		MACAddress:    section.Key("mac").String(),
		BootImagePath: section.Key("boot_image").String(),
		ConsolePort:   section.Key("console_port").MustInt(0),
		ConsoleKbd:    section.Key("console_kbd_layout").String(),
		ConsoleWait:   section.Key("console_wait").MustBool(false),
	}
	spec.ShutdownTimeout = section.Key("shutdown_timeout").MustDuration(DefaultShutdownTimeout)
	spec.normalize()

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if spec.Name != stem {
		return Spec{}, fmt.Errorf("guestspec: %s: file name / guest name mismatch (%q)", path, spec.Name)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, fmt.Errorf("guestspec: %s: %w", path, err)
	}
	return spec, nil
}

func (s *Spec) normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.StoragePath = strings.TrimSpace(s.StoragePath)
	s.UEFIVarsPath = strings.TrimSpace(s.UEFIVarsPath)
	s.TapDevice = strings.TrimSpace(s.TapDevice)
	s.Bridge = strings.TrimSpace(s.Bridge)
	s.MACAddress = strings.ToLower(strings.TrimSpace(s.MACAddress))
	s.BootImagePath = strings.TrimSpace(s.BootImagePath)
	s.ConsoleKbd = strings.TrimSpace(s.ConsoleKbd)
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate performs semantic validation on the spec.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("guest name is required")
	}
	if s.MemoryMB <= 0 {
		return fmt.Errorf("memory_mb must be greater than zero")
	}
	if s.CPUSockets <= 0 || s.CPUCores <= 0 || s.CPUThreads <= 0 {
		return fmt.Errorf("cpu topology values must be greater than zero")
	}
	if s.StoragePath == "" {
		return fmt.Errorf("storage_path is required")
	}
	if s.UEFIVarsPath == "" {
		return fmt.Errorf("uefi_vars_path is required")
	}
	if s.TapDevice == "" {
		return fmt.Errorf("tap is required")
	}
	if s.Bridge == "" {
		return fmt.Errorf("bridge is required")
	}
	if s.ConsolePort <= 0 || s.ConsolePort > 65535 {
		return fmt.Errorf("console_port must be a valid TCP port")
	}
	if s.MACAddress != "" {
		if _, err := net.ParseMAC(s.MACAddress); err != nil {
			return fmt.Errorf("invalid mac %q: %w", s.MACAddress, err)
		}
	}
	return nil
}

// VCPUs returns the total vCPU count of the topology.
func (s Spec) VCPUs() int {
	return s.CPUSockets * s.CPUCores * s.CPUThreads
}
