package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	maxProjectNameLen = 120
	maxClipNameLen    = 160
)

// ErrInvalidOutputDir wraps every output directory rejection.
var ErrInvalidOutputDir = errors.New("invalid output_dir")

// ProjectName cleans a user supplied project name for use as a file name
// and EDL title, falling back to DefaultProjectName.
func ProjectName(s string) string {
	name := cleanName(s, maxProjectNameLen, isFileNameRune)
	name = strings.Trim(name, ". ")
	if name == "" {
		return DefaultProjectName
	}
	return name
}

// ClipName cleans a node name for an EDL comment line. Non-ASCII runes are
// replaced since many editors read EDLs as Latin-1.
func ClipName(s string) string {
	return cleanName(s, maxClipNameLen, func(r rune) bool {
		return r < unicode.MaxASCII && isFileNameRune(r)
	})
}

func cleanName(s string, maxLen int, allowed func(rune) bool) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
		case allowed(r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if runes := []rune(cleaned); maxLen > 0 && len(runes) > maxLen {
		cleaned = strings.TrimSpace(string(runes[:maxLen]))
	}
	return cleaned
}

func isFileNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return strings.ContainsRune(" -_.,()", r)
}

// ValidateOutputDir accepts only an existing, clean directory path with no
// parent references.
func ValidateOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidOutputDir)
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: path must be absolute", ErrInvalidOutputDir)
	}
	for part := range strings.SplitSeq(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("%w: path traversal", ErrInvalidOutputDir)
		}
	}
	if filepath.Clean(dir) != dir {
		return fmt.Errorf("%w: path is not clean", ErrInvalidOutputDir)
	}

	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: directory does not exist", ErrInvalidOutputDir)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrInvalidOutputDir, err)
	case !info.IsDir():
		return fmt.Errorf("%w: not a directory", ErrInvalidOutputDir)
	}
	return nil
}
