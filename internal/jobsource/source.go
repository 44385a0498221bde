// Package jobsource reads the newline-delimited job file that drives a batch.
//
// The source is lazy and forward-only: lines are read one at a time and
// handed to the caller unparsed, so a malformed record surfaces as a failure
// of that one job rather than of the whole file. Resuming is done by
// skipping, not seeking: lines before the start offset are still read.
package jobsource

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// maxLineBytes caps a single record. Prompts are short, but some job files
// carry long negative-prompt tails. A longer line is still counted and
// returned, marked Oversized, so only its own job fails.
const maxLineBytes = 1024 * 1024

// Line is one raw record together with its 1-based ordinal in the file.
// Text is empty when Oversized is set.
type Line struct {
	Number    int
	Text      string
	Oversized bool
}

// Source yields raw lines from a job file, starting at a given ordinal.
type Source struct {
	reader    *bufio.Reader
	startLine int
	lineCount int
	err       error
}

// New wraps r. Lines with an ordinal below startLine are consumed but never
// returned; a startLine of 0 or 1 yields every line.
func New(r io.Reader, startLine int) *Source {
	return &Source{reader: bufio.NewReaderSize(r, 64*1024), startLine: startLine}
}

// Next returns the next line at or after the start offset. It returns io.EOF
// once the input is exhausted. Any read failure is returned as a *SourceError
// and is sticky: every later call returns the same error.
func (s *Source) Next() (Line, error) {
	if s.err != nil {
		return Line{}, s.err
	}
	for {
		text, oversized, err := s.readLine()
		if errors.Is(err, io.EOF) {
			s.err = io.EOF
			return Line{}, io.EOF
		}
		if err != nil {
			s.err = &SourceError{Line: s.lineCount, Err: err}
			return Line{}, s.err
		}
		s.lineCount++
		if s.lineCount < s.startLine {
			continue
		}
		if oversized {
			log.Warn().Int("line", s.lineCount).Int("limit", maxLineBytes).Msg("Job line too long, discarded")
		}
		return Line{Number: s.lineCount, Text: text, Oversized: oversized}, nil
	}
}

// readLine reads through the next newline. Bytes past maxLineBytes are
// discarded and reported as oversized. It returns io.EOF only when no bytes
// remain.
func (s *Source) readLine() (string, bool, error) {
	var buf []byte
	oversized := false
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !oversized {
			buf = append(buf, chunk...)
			// Room for a trailing "\r\n".
			if len(buf) > maxLineBytes+2 {
				oversized = true
				buf = nil
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(chunk) == 0 && len(buf) == 0 && !oversized {
				return "", false, io.EOF
			}
		default:
			return "", false, err
		}

		if oversized {
			return "", true, nil
		}
		text := strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r")
		if len(text) > maxLineBytes {
			return "", true, nil
		}
		return text, false, nil
	}
}

// LineCount is the ordinal of the last line read from the input, including
// skipped lines. It is the resume hint reported when a batch aborts.
func (s *Source) LineCount() int {
	return s.lineCount
}

// Open opens a job file and returns a Source over its decompressed content.
// Files ending in .gz or .zst are decompressed transparently. The
// returned closer releases the file and any decoder.
func Open(path string, startLine int) (*Source, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &SourceError{Err: fmt.Errorf("open %s: %w", path, err)}
	}

	var r io.Reader = f
	closers := multiCloser{f}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, &SourceError{Err: fmt.Errorf("gzip header %s: %w", path, err)}
		}
		r = zr
		closers = append(multiCloser{zr}, closers...)
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, &SourceError{Err: fmt.Errorf("zstd reader %s: %w", path, err)}
		}
		r = zr
		closers = append(multiCloser{zstdCloser{zr}}, closers...)
	}

	log.Debug().Str("path", path).Int("start_line", startLine).Msg("Job source opened")
	return New(r, startLine), closers, nil
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
