package v4l2

import (
	"fmt"
	"os"
	"regexp"
)

var root = "/dev"

// devPattern is the device directory name pattern on Linux (video0,
// video10, etc). Only video nodes are of interest to the camera layer.
var devPattern = regexp.MustCompile(fmt.Sprintf(`%s/video[0-9]+`, root))

// IsDevice tests whether the path names a device file, following
// symlinks.
func IsDevice(devpath string) (bool, error) {
	stat, err := os.Stat(devpath)
	if err != nil {
		return false, err
	}
	if stat.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(devpath)
		if err != nil {
			return false, err
		}
		return IsDevice(target)
	}
	return stat.Mode()&os.ModeDevice != 0, nil
}

// GetAllDevicePaths returns every mounted video device node.
func GetAllDevicePaths() ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, entry := range entries {
		dev := fmt.Sprintf("%s/%s", root, entry.Name())
		if !devPattern.MatchString(dev) {
			continue
		}
		ok, err := IsDevice(dev)
		if err != nil {
			continue
		}
		if ok {
			result = append(result, dev)
		}
	}
	return result, nil
}
