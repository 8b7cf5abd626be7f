// Package version reads and rewrites the version-declaration file of a
// Python package: the release marker and the version literal.
package version

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrPatternMismatch = errors.New("assignment not found")
	ErrDuplicateField  = errors.New("assignment declared more than once")
	ErrInvalidEncoding = errors.New("version file is not valid UTF-8")
	ErrInvalidVersion  = errors.New("version cannot be written as a string literal")
	ErrInvalidRelease  = errors.New("release marker is not a boolean literal")
)

// Fields names the two assignments of a version file.
type Fields struct {
	Release string
	Version string
}

var DefaultFields = Fields{Release: "__release__", Version: "__version__"}

func (f Fields) withDefaults() Fields {
	if f.Release == "" {
		f.Release = DefaultFields.Release
	}
	if f.Version == "" {
		f.Version = DefaultFields.Version
	}
	return f
}

// Both fields are top-level statements: indented assignments inside blocks
// are ignored and `==` comparisons never match.
func (f Fields) releaseRegex() *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(f.Release) + `[ \t]*=[ \t]*([^=#\r\n][^#\r\n]*)`)
}

func (f Fields) versionRegex() *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(f.Version) + `[ \t]*=[ \t]*('[^'\r\n]+'|"[^"\r\n]+")`)
}

// Info is the parsed content of a version file.
type Info struct {
	Path    string
	Release bool
	Version string
	Fields  Fields
}

// findOne returns the submatch indexes of the single assignment matched by re
func findOne(re *regexp.Regexp, content, name string) ([]int, error) {
	matches := re.FindAllStringSubmatchIndex(content, -1)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrPatternMismatch, name)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s (%d times)", ErrDuplicateField, name, len(matches))
	}
}

// Parse extracts the release marker and version literal from content.
func Parse(content string, fields Fields) (*Info, error) {
	fields = fields.withDefaults()

	rm, err := findOne(fields.releaseRegex(), content, fields.Release)
	if err != nil {
		return nil, err
	}
	vm, err := findOne(fields.versionRegex(), content, fields.Version)
	if err != nil {
		return nil, err
	}

	release, err := parseRelease(content[rm[2]:rm[3]])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, fields.Release)
	}

	literal := content[vm[2]:vm[3]]
	return &Info{
		Release: release,
		Version: literal[1 : len(literal)-1],
		Fields:  fields,
	}, nil
}

// parseRelease evaluates the marker's value: True, False, 1, 0, None,
// optionally negated with `not` and wrapped in parentheses.
func parseRelease(value string) (bool, error) {
	value = strings.TrimSpace(value)
	for strings.HasPrefix(value, "(") && strings.HasSuffix(value, ")") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}

	if rest, ok := strings.CutPrefix(value, "not"); ok && rest != "" && (rest[0] == ' ' || rest[0] == '\t' || rest[0] == '(') {
		v, err := parseRelease(rest)
		return !v, err
	}

	switch value {
	case "True", "1":
		return true, nil
	case "False", "0", "None":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidRelease, value)
}

// Load reads and parses the version file at path.
func Load(path string, fields Fields) (*Info, error) {
	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	info, err := Parse(content, fields)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info.Path = path
	return info, nil
}

// RenderRelease returns content with the release marker set to True.
// Everything but the marker's value is kept byte for byte.
func (f Fields) RenderRelease(content string) (string, error) {
	f = f.withDefaults()
	m, err := findOne(f.releaseRegex(), content, f.Release)
	if err != nil {
		return "", err
	}
	start := m[2]
	end := start + len(strings.TrimRight(content[m[2]:m[3]], " \t"))
	return content[:start] + "True" + content[end:], nil
}

// RenderVersion returns content with the version literal replaced by v,
// keeping the literal's quote character.
func (f Fields) RenderVersion(content, v string) (string, error) {
	f = f.withDefaults()
	m, err := findOne(f.versionRegex(), content, f.Version)
	if err != nil {
		return "", err
	}
	quote := content[m[2] : m[2]+1]
	if v == "" || strings.ContainsAny(v, quote+"\\\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return content[:m[2]] + quote + v + quote + content[m[3]:], nil
}

// StampRelease marks the version file at path as released. The file is left
// modified; running it again is a no-op.
func StampRelease(path string, fields Fields) error {
	content, err := readFile(path)
	if err != nil {
		return err
	}
	stamped, err := fields.RenderRelease(content)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if stamped == content {
		return nil
	}
	return writeFile(path, stamped)
}

// PreviewRelease returns the diff StampRelease would apply to path without
// writing anything. An empty diff means the file is already released.
func PreviewRelease(path string, fields Fields) (string, error) {
	content, err := readFile(path)
	if err != nil {
		return "", err
	}
	stamped, err := fields.RenderRelease(content)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return Diff(content, stamped), nil
}

// WithPinnedVersion writes v into the version file, runs body, and writes
// the file's previous content back once body returns or panics. Released
// files are never touched.
func WithPinnedVersion(info *Info, v string, body func() error) (err error) {
	if info.Release {
		return body()
	}

	original, err := readFile(info.Path)
	if err != nil {
		return err
	}
	pinned, err := info.Fields.RenderVersion(original, v)
	if err != nil {
		return fmt.Errorf("%s: %w", info.Path, err)
	}

	defer func() {
		if rerr := writeFile(info.Path, original); rerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to restore %s: %w", info.Path, rerr))
		}
	}()

	if err := writeFile(info.Path, pinned); err != nil {
		return err
	}
	return body()
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read version file: %w", err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s: %w", path, ErrInvalidEncoding)
	}
	return string(data), nil
}

// writeFile replaces the file content, keeping its permissions
func writeFile(path, content string) error {
	perm := os.FileMode(0o644)
	if stat, err := os.Stat(path); err == nil {
		perm = stat.Mode().Perm()
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("failed to write version file: %w", err)
	}
	return nil
}
