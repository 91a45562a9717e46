// Package recpath defines the on-disk layout of a recording and helpers for
// mapping between filenames and frame indices.
//
// A recording directory looks like:
//
//	<root>/frame_cam0/frame_0.jpg ... frame_N.jpg
//	<root>/frame_cam1/...
//	<root>/ebv_cam_0.raw|.hdf5
//	<root>/ebv_cam_1.raw|.hdf5
package recpath

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Event file formats accepted by the recorder.
const (
	FormatRaw  = "raw"
	FormatHDF5 = "hdf5"
)

// ValidFormat reports whether format names a supported event file format.
func ValidFormat(format string) bool {
	return format == FormatRaw || format == FormatHDF5
}

// FrameCamDir returns the image directory for one frame camera.
func FrameCamDir(root string, camera int) string {
	return filepath.Join(root, fmt.Sprintf("frame_cam%d", camera))
}

// FrameFile returns the filename for a frame index within a camera dir.
func FrameFile(index uint64) string {
	return fmt.Sprintf("frame_%d.jpg", index)
}

// EventFile returns the event stream file for one event camera.
func EventFile(root string, camera int, format string) string {
	return filepath.Join(root, fmt.Sprintf("ebv_cam_%d.%s", camera, format))
}

// OutputDir generates a timestamped recording directory under base,
// optionally prefixed: <base>/[prefix_]YYYYMMDD_HHMMSS.
func OutputDir(base, prefix string, now time.Time) string {
	name := now.Format("20060102_150405")
	if prefix != "" {
		name = prefix + "_" + name
	}
	return filepath.Join(base, name)
}

// ExtractFrameIndex pulls the frame index out of an image filename by
// taking the last contiguous digit run of the stem. Returns -1 when the
// stem contains no digits, letting callers fall back to lexicographic
// ordering.
func ExtractFrameIndex(path string) int64 {
	name := filepath.Base(path)
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[:dot]
	}

	end := len(name) - 1
	for end >= 0 && !isDigit(name[end]) {
		end--
	}
	if end < 0 {
		return -1
	}
	start := end
	for start >= 0 && isDigit(name[start]) {
		start--
	}

	n, err := strconv.ParseInt(name[start+1:end+1], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// SortFrameFiles orders image paths by extracted frame index, falling back
// to lexicographic order when either index is missing, with the path itself
// as a stable tie-break.
func SortFrameFiles(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		ia, ib := ExtractFrameIndex(a), ExtractFrameIndex(b)
		if ia == -1 || ib == -1 {
			return a < b
		}
		if ia != ib {
			return ia < ib
		}
		return a < b
	})
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
