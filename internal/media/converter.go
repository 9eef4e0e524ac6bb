package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Converter turns the image at src into a JPEG at dst.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, src, dst string) error

func (f ConverterFunc) Convert(ctx context.Context, src, dst string) error {
	return f(ctx, src, dst)
}

// CommandConverter runs an external program. Args may contain the
// placeholders {in} and {out}.
type CommandConverter struct {
	Name string
	Args []string
}

// Well-known converters, tried in order by DetectConverter. sips and magick
// bound the long edge to 2000px; heif-convert can only lower the quality.
var (
	sipsConverter        = CommandConverter{Name: "sips", Args: []string{"-Z", "2000", "-s", "format", "jpeg", "-s", "formatOptions", "80", "{in}", "--out", "{out}"}}
	heifConvertConverter = CommandConverter{Name: "heif-convert", Args: []string{"-q", "80", "{in}", "{out}"}}
	magickConverter      = CommandConverter{Name: "magick", Args: []string{"{in}", "-resize", "2000x2000>", "-quality", "80", "{out}"}}
)

// ParseCommand builds a CommandConverter from a command line template such as
// "heif-convert -q 85 {in} {out}".
func ParseCommand(template string) (CommandConverter, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return CommandConverter{}, fmt.Errorf("empty converter command")
	}
	joined := strings.Join(fields[1:], " ")
	if !strings.Contains(joined, "{in}") || !strings.Contains(joined, "{out}") {
		return CommandConverter{}, fmt.Errorf("converter command %q must reference {in} and {out}", template)
	}
	return CommandConverter{Name: fields[0], Args: fields[1:]}, nil
}

// DetectConverter returns the configured converter, or the first well-known
// one found on PATH when template is empty.
func DetectConverter(template string) (CommandConverter, error) {
	if template != "" {
		return ParseCommand(template)
	}

	candidates := []CommandConverter{heifConvertConverter, magickConverter}
	if runtime.GOOS == "darwin" {
		candidates = append([]CommandConverter{sipsConverter}, candidates...)
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c.Name); err == nil {
			return c, nil
		}
	}
	return CommandConverter{}, fmt.Errorf("no HEIC converter found on PATH (tried sips, heif-convert, magick)")
}

// Convert runs the command and reports its stderr on failure.
func (c CommandConverter) Convert(ctx context.Context, src, dst string) error {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		a = strings.ReplaceAll(a, "{in}", src)
		args[i] = strings.ReplaceAll(a, "{out}", dst)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
		return fmt.Errorf("%s: %w: %s", c.Name, err, msg)
	}
	return nil
}

func (c CommandConverter) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}
