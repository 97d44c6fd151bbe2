package calibration

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"pokeball-mouse/decode"
)

// ErrInvalidFile is returned when a calibration file cannot be parsed.
var ErrInvalidFile = errors.New("invalid calibration file")

// Keys of the calibration file.
const (
	KeyCenterX     = "center_x"
	KeyCenterY     = "center_y"
	KeyDeadzone    = "deadzone"
	KeyRestNibbleX = "rest_nibble_x"
)

// Write emits res as key=value lines followed by comment lines.
func Write(w io.Writer, res Result, at time.Time) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s=%d\n", KeyCenterX, res.X.Median)
	fmt.Fprintf(bw, "%s=%d\n", KeyCenterY, res.Profile.CenterY)
	fmt.Fprintf(bw, "%s=%d\n", KeyDeadzone, res.Profile.DeadzoneY)
	fmt.Fprintf(bw, "%s=%d\n", KeyRestNibbleX, res.Profile.RestNibbleX)
	fmt.Fprintf(bw, "# Calibrated at %s\n", at.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(bw, "# X range: %d-%d, Y range: %d-%d\n", res.X.Min, res.X.Max, res.Y.Min, res.Y.Max)
	return bw.Flush()
}

// WriteFile writes res to path, replacing any previous file.
func WriteFile(path string, res Result, at time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create calibration file: %w", err)
	}
	if err := Write(f, res, at); err != nil {
		f.Close()
		return fmt.Errorf("write calibration file: %w", err)
	}
	return f.Close()
}

// Read parses a calibration file. center_y and deadzone are required;
// rest_nibble_x defaults to the default profile's value. Unknown keys,
// blank lines and # comments are ignored.
func Read(r io.Reader) (decode.Profile, error) {
	p := decode.DefaultProfile()
	seen := map[string]bool{}

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return decode.Profile{}, fmt.Errorf("%w: line %d: missing '='", ErrInvalidFile, line)
		}
		key = strings.TrimSpace(key)
		var dst *int
		switch key {
		case KeyCenterY:
			dst = &p.CenterY
		case KeyDeadzone:
			dst = &p.DeadzoneY
		case KeyRestNibbleX:
			dst = &p.RestNibbleX
		default:
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return decode.Profile{}, fmt.Errorf("%w: line %d: %s: %v", ErrInvalidFile, line, key, err)
		}
		*dst = n
		seen[key] = true
	}
	if err := sc.Err(); err != nil {
		return decode.Profile{}, fmt.Errorf("read calibration file: %w", err)
	}
	for _, k := range []string{KeyCenterY, KeyDeadzone} {
		if !seen[k] {
			return decode.Profile{}, fmt.Errorf("%w: missing %s", ErrInvalidFile, k)
		}
	}
	return p, nil
}

// ReadFile loads a calibration file from path.
func ReadFile(path string) (decode.Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return decode.Profile{}, err
	}
	defer f.Close()
	return Read(f)
}
