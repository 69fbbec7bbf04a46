// Package version models hypervisor version numbers as reported
// by the machine control protocol.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Micro int `json:"micro"`
}

func New(major, minor, micro int) Version {
	return Version{Major: major, Minor: minor, Micro: micro}
}

// Parse reads a "major.minor.micro" string. Missing components
// default to zero.
func Parse(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")

	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version string: %q", s)
	}

	vv := make([]int, 3)

	for idx, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version string: %q", s)
		}

		vv[idx] = v
	}

	return Version{Major: vv[0], Minor: vv[1], Micro: vv[2]}, nil
}

// Int packs the version into a single comparable integer.
func (v Version) Int() int {
	return v.Major*10000 + v.Minor*100 + v.Micro
}

// AtLeast reports whether v is the same as or newer than o.
func (v Version) AtLeast(o Version) bool {
	return v.Int() >= o.Int()
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}
