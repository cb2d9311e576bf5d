package results

import (
	"bufio"
	"os"
	"strings"
)

// VerifyStatus is the outcome of comparing two result files. Values match
// the exit codes of the command line tool.
type VerifyStatus int

const (
	Match VerifyStatus = 0
	// LineMismatch: some line differs.
	LineMismatch VerifyStatus = -1
	// ExtraExpectedLines: the expected file has a trailing non-blank line
	// the actual file lacks.
	ExtraExpectedLines VerifyStatus = -2
	// ExtraActualLines: the actual file has a trailing non-blank line the
	// expected file lacks.
	ExtraActualLines VerifyStatus = -3
	// Unreadable: either file cannot be opened.
	Unreadable VerifyStatus = -4
)

func (s VerifyStatus) String() string {
	switch s {
	case Match:
		return "match"
	case LineMismatch:
		return "line mismatch"
	case ExtraExpectedLines:
		return "extra lines in expected file"
	case ExtraActualLines:
		return "extra lines in actual file"
	case Unreadable:
		return "unreadable file"
	}
	return "unknown"
}

// Verify compares two result files line by line. The comparison runs to the
// end of the shorter file; a trailing non-blank line in either file takes
// precedence over a mismatch found earlier.
func Verify(expectedPath, actualPath string) VerifyStatus {
	ef, err := os.Open(expectedPath)
	if err != nil {
		return Unreadable
	}
	defer ef.Close()
	af, err := os.Open(actualPath)
	if err != nil {
		return Unreadable
	}
	defer af.Close()

	es, as := bufio.NewScanner(ef), bufio.NewScanner(af)
	status := Match
	var eMore, aMore bool
	for {
		eMore, aMore = es.Scan(), as.Scan()
		if !eMore || !aMore {
			break
		}
		if strings.TrimSuffix(es.Text(), "\r") != strings.TrimSuffix(as.Text(), "\r") {
			status = LineMismatch
		}
	}
	if eMore && hasContent(es) {
		status = ExtraExpectedLines
	}
	if aMore && hasContent(as) {
		status = ExtraActualLines
	}
	if es.Err() != nil || as.Err() != nil {
		return Unreadable
	}
	return status
}

// hasContent reports whether the current line of s or any line after it is
// not blank.
func hasContent(s *bufio.Scanner) bool {
	for {
		if strings.TrimSpace(s.Text()) != "" {
			return true
		}
		if !s.Scan() {
			return false
		}
	}
}
