package vmhive

import (
	"path/filepath"
	"strings"
)

// DiskFormat is an on-disk image format of a block device.
type DiskFormat string

const (
	DiskFormatRaw   DiskFormat = "raw"
	DiskFormatQcow2 DiskFormat = "qcow2"
	DiskFormatVmdk  DiskFormat = "vmdk"
	DiskFormatVdi   DiskFormat = "vdi"
)

// DetectDiskFormat guesses the image format from the file extension.
// This is a naming convention, not content inspection: anything
// without a well-known extension is treated as a raw image.
func DetectDiskFormat(p string) DiskFormat {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".qcow2":
		return DiskFormatQcow2
	case ".vmdk":
		return DiskFormatVmdk
	case ".vdi":
		return DiskFormatVdi
	}

	return DiskFormatRaw
}

// BlockDevice describes a single local disk image to be migrated.
type BlockDevice struct {
	ID         string     `yaml:"id" json:"id"`
	SourcePath string     `yaml:"source_path" json:"source_path"`
	TargetPath string     `yaml:"target_path" json:"target_path"`
	Size       uint64     `yaml:"size" json:"size"`
	Format     DiskFormat `yaml:"format" json:"format"`
}

func (d BlockDevice) BaseName() string {
	return filepath.Base(d.SourcePath)
}

// CalculateTotalSize returns the sum of the device sizes.
// It is used for free space checks and transfer estimates.
func CalculateTotalSize(devices []BlockDevice) uint64 {
	var total uint64

	for _, d := range devices {
		total += d.Size
	}

	return total
}
