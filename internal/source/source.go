// Package source turns raw input files into packet frames for the parser.
// Inputs are plain binary dumps (optionally gzip or zstd compressed), hex
// dumps, MOC ASCII exports with one receipt timestamp per packet and MOC XML
// raw packet responses.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/tctm"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Type is an input file format.
type Type string

const (
	Binary Type = "bin"
	Hex    Type = "hex"
	ASCII  Type = "ascii"
	XML    Type = "xml"
)

var ErrUnknownType = errors.New("unknown input file type")

// ParseType accepts the format names used on the command line. The empty
// string means auto detection and yields "".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return "", nil
	case "bin", "binary", "raw":
		return Binary, nil
	case "hex":
		return Hex, nil
	case "ascii", "moc-ascii":
		return ASCII, nil
	case "xml", "moc-xml":
		return XML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

const sniffSize = 1024

var (
	gzipMagic = []byte{0x1F, 0x8B}
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
)

// DetectType guesses the format of a file from its extension, falling back
// to the first kilobyte of content.
func DetectType(path string) (Type, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	switch ext {
	case "xml", "ascii", "bin", "hex":
		return Type(ext), nil
	case "binary", "raw", "BDF", "dat", "gz", "zst":
		return Binary, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, sniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	return Sniff(head[:n]), nil
}

// Sniff classifies the head of an input: compressed or non UTF-8 content is
// binary, pure hex digits are a hex dump and any other text is MOC ASCII.
func Sniff(head []byte) Type {
	if bytes.HasPrefix(head, gzipMagic) || bytes.HasPrefix(head, zstdMagic) {
		return Binary
	}
	if !utf8.Valid(trimPartialRune(head)) {
		return Binary
	}
	text := bytes.TrimSpace(head)
	if bytes.HasPrefix(text, []byte("<")) {
		return XML
	}
	for _, c := range string(text) {
		if unicode.IsSpace(c) {
			continue
		}
		if !isHexDigit(c) {
			return ASCII
		}
	}
	return Hex
}

// trimPartialRune drops an incomplete UTF-8 sequence cut off by the sniff
// window.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && i < len(b); i++ {
		if utf8.RuneStart(b[len(b)-1-i]) {
			if !utf8.FullRune(b[len(b)-1-i:]) {
				return b[:len(b)-1-i]
			}
			break
		}
	}
	return b
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// Open returns a reader over the file content, transparently decompressing
// gzip and zstd files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := Decompress(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rc, nil
}

// Decompress wraps r with a gzip or zstd decoder when its content starts
// with the matching magic number. Closing the result closes r.
func Decompress(r io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, r}}, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zstdCloser{zr}, r}}, nil
	default:
		return &stackedCloser{Reader: br, closers: []io.Closer{r}}, nil
	}
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Load reads a whole input file into frames. typ "" detects the format.
func Load(path string, typ Type, log *common.Logger) ([]tctm.Frame, Type, error) {
	if typ == "" {
		detected, err := DetectType(path)
		if err != nil {
			return nil, "", err
		}
		typ = detected
	}
	rc, err := Open(path)
	if err != nil {
		return nil, typ, err
	}
	defer rc.Close()
	frames, err := Read(rc, typ, log)
	if err != nil {
		return nil, typ, fmt.Errorf("%s: %w", path, err)
	}
	return frames, typ, nil
}

// Read decodes r as the given format.
func Read(r io.Reader, typ Type, log *common.Logger) ([]tctm.Frame, error) {
	switch typ {
	case Binary:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return []tctm.Frame{{Data: data}}, nil
	case Hex:
		text, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		data, err := DecodeHex(string(text))
		if err != nil {
			return nil, err
		}
		return []tctm.Frame{{Data: data}}, nil
	case ASCII:
		return ReadASCII(r, log)
	case XML:
		return ReadXML(r, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// DecodeHex decodes a hex dump, ignoring any white space.
func DecodeHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	out, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("hex: %w", err)
	}
	return out, nil
}

const maxLine = 1 << 20

// ReadASCII reads MOC ASCII exports: one packet per line, the ground receipt
// time followed by the packet in hex. Malformed lines are logged and skipped.
func ReadASCII(r io.Reader, log *common.Logger) ([]tctm.Frame, error) {
	var frames []tctm.Frame
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			log.Errorf("line %d: expected receipt time and packet, got %d fields", line, len(fields))
			continue
		}
		data, err := hex.DecodeString(fields[1])
		if err != nil {
			log.Errorf("line %d: %v", line, err)
			continue
		}
		frames = append(frames, tctm.Frame{Data: data, ReceiptUTC: fields[0]})
	}
	if err := sc.Err(); err != nil {
		return frames, err
	}
	return frames, nil
}

// ScanLive feeds a live hex stream to fn, one frame per non-empty line,
// until r is exhausted or ctx is canceled.
func ScanLive(ctx context.Context, r io.Reader, log *common.Logger, fn func(tctm.Frame) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		data, err := DecodeHex(text)
		if err != nil {
			log.Errorf("live stream: %v", err)
			continue
		}
		if err := fn(tctm.Frame{Data: data}); err != nil {
			return err
		}
	}
	return sc.Err()
}
