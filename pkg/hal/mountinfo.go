package hal

import (
	"strings"
)

// mountInfoEntry is one parsed line of /proc/self/mountinfo.
type mountInfoEntry struct {
	mountPoint string
}

// parseMountInfo extracts mount points from mountinfo content. The mount
// point is field 5 (0-based 4); octal escapes cover spaces in paths.
func parseMountInfo(content string) []mountInfoEntry {
	var entries []mountInfoEntry
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		entries = append(entries, mountInfoEntry{mountPoint: unescapeMountPath(fields[4])})
	}
	return entries
}

// unescapeMountPath decodes the \040-style octal escapes the kernel uses
// for whitespace in mountinfo paths.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			v := (s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0')
			b.WriteByte(v)
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}

// isMountedInInfo reports whether path appears as a mount point.
func isMountedInInfo(path string, entries []mountInfoEntry) bool {
	clean := strings.TrimRight(path, "/")
	if clean == "" {
		clean = "/"
	}
	for _, e := range entries {
		if e.mountPoint == clean {
			return true
		}
	}
	return false
}

// mountPointsUnder returns every mount point equal to or nested below
// target, deepest paths first (unmount order).
func mountPointsUnder(target string, entries []mountInfoEntry) []string {
	clean := strings.TrimRight(target, "/")
	if clean == "" {
		clean = "/"
	}
	var under []string
	for _, e := range entries {
		if e.mountPoint == clean || strings.HasPrefix(e.mountPoint, clean+"/") {
			under = append(under, e.mountPoint)
		}
	}
	// Deepest first so nested mounts release before their parents.
	for i := 0; i < len(under); i++ {
		for j := i + 1; j < len(under); j++ {
			if depth(under[j]) > depth(under[i]) {
				under[i], under[j] = under[j], under[i]
			}
		}
	}
	return under
}

func depth(path string) int {
	return strings.Count(path, "/")
}
