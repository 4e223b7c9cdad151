package renderer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RenderKind selects how a render command runs.
type RenderKind string

const (
	RenderLive     RenderKind = "live"
	RenderBlocking RenderKind = "blocking"
	RenderBake     RenderKind = "bake"
)

// ArchiveFormat is the on-disk encoding of an exported scene archive.
type ArchiveFormat string

const (
	FormatASCII  ArchiveFormat = "ascii"
	FormatBinary ArchiveFormat = "binary"
)

var ErrBadCommand = errors.New("malformed backend command")

// Command is the parsed form of the string handed to Scene.Render.
type Command struct {
	Verb string // "render" or "archive"
	Kind RenderKind

	Path        string
	Format      ArchiveFormat
	Indent      bool
	Compression string
	// Archive marks bake and selection archives, which hold a partial scene.
	Archive bool
}

// RenderCommand returns "render -<kind>".
func RenderCommand(kind RenderKind) Command {
	return Command{Verb: "render", Kind: kind}
}

// ArchiveCommand returns an archive export of the scene to path.
func ArchiveCommand(path string, format ArchiveFormat) Command {
	if format == "" {
		format = FormatASCII
	}
	return Command{Verb: "archive", Path: path, Format: format}
}

func (c Command) String() string {
	switch c.Verb {
	case "render":
		return "render -" + string(c.Kind)
	case "archive":
		var b strings.Builder
		b.WriteString("archive ")
		b.WriteString(quoteIfNeeded(c.Path))
		b.WriteString(" -format ")
		b.WriteString(string(c.Format))
		if c.Indent {
			b.WriteString(" -indent")
		}
		if c.Compression != "" {
			b.WriteString(" -compression ")
			b.WriteString(c.Compression)
		}
		if c.Archive {
			b.WriteString(" -archive")
		}
		return b.String()
	}
	return c.Verb
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"") {
		return strconv.Quote(s)
	}
	return s
}

// ParseCommand parses a command string produced by Command.String.
func ParseCommand(s string) (Command, error) {
	fields, err := splitFields(s)
	if err != nil {
		return Command{}, err
	}
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty", ErrBadCommand)
	}

	switch fields[0] {
	case "render":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: %q", ErrBadCommand, s)
		}
		kind := RenderKind(strings.TrimPrefix(fields[1], "-"))
		switch kind {
		case RenderLive, RenderBlocking, RenderBake:
			return RenderCommand(kind), nil
		}
		return Command{}, fmt.Errorf("%w: unknown render flag %q", ErrBadCommand, fields[1])

	case "archive":
		if len(fields) < 2 {
			return Command{}, fmt.Errorf("%w: archive needs a path", ErrBadCommand)
		}
		c := ArchiveCommand(fields[1], FormatASCII)
		for i := 2; i < len(fields); i++ {
			switch fields[i] {
			case "-format", "-compression":
				if i+1 >= len(fields) {
					return Command{}, fmt.Errorf("%w: %s needs a value", ErrBadCommand, fields[i])
				}
				if fields[i] == "-format" {
					c.Format = ArchiveFormat(fields[i+1])
					if c.Format != FormatASCII && c.Format != FormatBinary {
						return Command{}, fmt.Errorf("%w: unknown format %q", ErrBadCommand, fields[i+1])
					}
				} else {
					c.Compression = fields[i+1]
				}
				i++
			case "-indent":
				c.Indent = true
			case "-archive":
				c.Archive = true
			default:
				return Command{}, fmt.Errorf("%w: unknown flag %q", ErrBadCommand, fields[i])
			}
		}
		return c, nil
	}
	return Command{}, fmt.Errorf("%w: unknown verb %q", ErrBadCommand, fields[0])
}

// splitFields splits on whitespace, honoring double-quoted fields.
func splitFields(s string) ([]string, error) {
	var fields []string
	s = strings.TrimSpace(s)
	for s != "" {
		if s[0] == '"' {
			q, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadCommand, err)
			}
			u, _ := strconv.Unquote(q)
			fields = append(fields, u)
			s = strings.TrimLeft(s[len(q):], " \t")
			continue
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			fields = append(fields, s)
			break
		}
		fields = append(fields, s[:end])
		s = strings.TrimLeft(s[end:], " \t")
	}
	return fields, nil
}
