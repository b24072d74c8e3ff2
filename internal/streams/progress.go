package streams

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// The transcoder's diagnostic stream is line oriented but mixes \n and \r
// separated output. scanDiagnosticLines is a bufio.SplitFunc that treats
// either as a line break so progress markers are never glued to log lines.
func scanDiagnosticLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func newDiagnosticScanner(r *bufio.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Split(scanDiagnosticLines)
	return sc
}

// parseFrameMarker extracts the frame counter from a progress line of the
// form "frame=123" (with optional spaces around the value). The second
// return is false for any other line.
func parseFrameMarker(line string) (int64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "frame=")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// isProgressMarker reports whether the line is any key=value progress line
// rather than a diagnostic message. Progress output arrives as a block of
// such lines; every one of them counts as observed activity.
func isProgressMarker(line string) bool {
	line = strings.TrimSpace(line)
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return false
	}
	// Progress keys are single lowercase tokens (frame, fps, bitrate,
	// out_time_ms, speed, progress, ...). Diagnostics contain spaces
	// before the first '='.
	return !strings.ContainsAny(line[:eq], " \t")
}

// isErrorLine reports whether a diagnostic line looks like an error the
// stream operator should see counted.
func isErrorLine(line string) bool {
	l := strings.ToLower(line)
	if l == "" || isProgressMarker(line) {
		return false
	}
	return strings.Contains(l, "error") ||
		strings.Contains(l, "failed") ||
		strings.Contains(l, "connection refused") ||
		strings.Contains(l, "connection timed out")
}
