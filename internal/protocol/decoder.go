// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/jeranaias/lexrun-client/internal/logging"
	"github.com/jeranaias/lexrun-client/internal/model"
)

// =============================================================================
// DECODER
// =============================================================================

// readBufferSize is the size of the transport read buffer.
const readBufferSize = 4096

// sentinelPayload terminates the event stream.
const sentinelPayload = "[DONE]"

// dataPrefix marks an SSE data line.
const dataPrefix = "data:"

// maxConsecutiveEmptyReads bounds how long a reader may return (0, nil)
// before the stream is abandoned with io.ErrNoProgress. Same limit bufio
// uses for misbehaving readers.
const maxConsecutiveEmptyReads = 100

// Decoder turns the raw byte stream of an event-stream response into an
// ordered sequence of typed chunks, tolerant of arbitrary split points.
//
// Decoding is stateful across reads: incomplete trailing UTF-8 sequences
// are carried forward byte-wise, and the final incomplete line of each read
// is retained until its newline arrives. A single malformed line never
// aborts the stream; it is recovered locally and decoding continues.
//
// The underlying reader is released on every exit path: sentinel, upstream
// EOF, upstream error, and consumer-triggered Close.
type Decoder struct {
	r   io.ReadCloser
	log logging.Logger

	buf        []byte
	byteCarry  []byte // incomplete trailing UTF-8 sequence
	lineCarry  string // incomplete trailing line
	emptyReads int    // consecutive (0, nil) reads

	pending  []Chunk
	sentinel bool // sentinel seen; no further input is consumed
	done     bool
	closed   bool
	err      error
}

// NewDecoder creates a decoder reading from r. The decoder owns r and
// closes it when the stream ends.
func NewDecoder(r io.ReadCloser, log logging.Logger) *Decoder {
	if log == nil {
		log = logging.Nop()
	}
	return &Decoder{
		r:   r,
		log: log,
		buf: make([]byte, readBufferSize),
	}
}

// Next returns the next chunk in arrival order. After the final chunk
// (ChunkDone on a sentinel-terminated stream) Next returns io.EOF, or the
// upstream read error if the stream ended abnormally.
func (d *Decoder) Next() (Chunk, error) {
	for {
		if len(d.pending) > 0 {
			chunk := d.pending[0]
			d.pending = d.pending[1:]
			return chunk, nil
		}

		if d.done {
			if d.err != nil {
				return Chunk{}, d.err
			}
			return Chunk{}, io.EOF
		}

		d.fill()
	}
}

// Close releases the underlying reader. Safe to call more than once and
// from any exit path, including consumer-triggered early termination.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.done = true
	if d.r != nil {
		return d.r.Close()
	}
	return nil
}

// =============================================================================
// STREAM CONSUMPTION
// =============================================================================

// fill performs one read and decodes whatever complete lines it produced.
func (d *Decoder) fill() {
	n, err := d.r.Read(d.buf)
	if n > 0 {
		d.emptyReads = 0
		d.consume(d.buf[:n])
		if d.sentinel {
			d.finish(nil)
			return
		}
	}

	if err == nil {
		if n == 0 {
			// A reader stuck on (0, nil) would otherwise spin Next forever.
			d.emptyReads++
			if d.emptyReads >= maxConsecutiveEmptyReads {
				d.finish(io.ErrNoProgress)
			}
		}
		return
	}

	if err == io.EOF {
		// Reader completed without the sentinel: flush any remaining
		// buffered text through the same per-line classification.
		d.flushCarry()
		d.finish(nil)
		return
	}

	d.finish(err)
}

// consume appends decoded text to the line buffer and processes every
// complete line. The final fragment after the last newline is retained.
func (d *Decoder) consume(b []byte) {
	if d.sentinel {
		return
	}

	if len(d.byteCarry) > 0 {
		b = append(d.byteCarry, b...)
		d.byteCarry = nil
	}

	complete, rest := splitIncompleteRune(b)
	if len(rest) > 0 {
		d.byteCarry = append([]byte{}, rest...)
	}

	d.lineCarry += string(complete)
	lines := strings.Split(d.lineCarry, "\n")
	d.lineCarry = lines[len(lines)-1]

	for _, line := range lines[:len(lines)-1] {
		if d.processLine(line) {
			// Sentinel: stop consuming further input.
			d.lineCarry = ""
			return
		}
	}
}

// flushCarry classifies whatever complete text is left in the line buffer
// after EOF. An incomplete trailing UTF-8 sequence can never complete once
// the reader is exhausted, so it is dropped rather than emitted as garbage
// bytes.
func (d *Decoder) flushCarry() {
	if d.sentinel {
		return
	}
	if len(d.byteCarry) > 0 {
		d.log.Debugf("protocol: dropped %d-byte incomplete trailing sequence at end of stream", len(d.byteCarry))
		d.byteCarry = nil
	}
	tail := d.lineCarry
	d.lineCarry = ""
	d.processLine(tail)
}

// finish records the terminal error (if any) and releases the reader.
func (d *Decoder) finish(err error) {
	d.err = err
	d.Close()
}

// =============================================================================
// LINE CLASSIFICATION
// =============================================================================

// frame is the union of recognized JSON payload shapes, checked in
// priority order.
type frame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content    string         `json:"content"`
	Sources    []model.Source `json:"sources"`
	References []model.Source `json:"references"`
	Metadata   map[string]any `json:"metadata"`
}

// processLine classifies one line and queues the resulting chunk.
// Returns true when the line is the stream sentinel.
func (d *Decoder) processLine(line string) bool {
	payload := strings.TrimSpace(line)
	if payload == "" {
		return false
	}
	if strings.HasPrefix(payload, dataPrefix) {
		payload = strings.TrimSpace(payload[len(dataPrefix):])
	}

	if payload == sentinelPayload {
		d.sentinel = true
		d.pending = append(d.pending, DoneChunk())
		return true
	}

	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		// A malformed line must never abort an otherwise-healthy stream:
		// recover by treating the text itself as content.
		d.log.Debugf("protocol: non-JSON line treated as content: %v", err)
		d.pending = append(d.pending, ContentChunk(payload))
		return false
	}

	switch {
	case len(f.Choices) > 0 && f.Choices[0].Delta.Content != "":
		d.pending = append(d.pending, ContentChunk(f.Choices[0].Delta.Content))
	case len(f.Choices) > 0 && f.Choices[0].Message.Content != "":
		d.pending = append(d.pending, ContentChunk(f.Choices[0].Message.Content))
	case f.Content != "":
		d.pending = append(d.pending, ContentChunk(f.Content))
	case f.Sources != nil:
		d.pending = append(d.pending, SourcesChunk(f.Sources))
	case f.References != nil:
		d.pending = append(d.pending, SourcesChunk(f.References))
	case f.Metadata != nil:
		d.pending = append(d.pending, MetadataChunk(f.Metadata))
	default:
		// Well-formed JSON with no recognized field: drop the line and
		// keep decoding.
		d.log.Debugf("protocol: unrecognized payload dropped: %s", payload)
	}
	return false
}

// =============================================================================
// UTF-8 CARRY
// =============================================================================

// splitIncompleteRune splits b so that complete ends on a rune boundary and
// rest holds a trailing incomplete multi-byte sequence, if any. Multi-byte
// characters may straddle read boundaries; the trailing bytes are carried
// forward rather than decoded as garbage.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && len(b)-i <= utf8.UTFMax; i-- {
		if b[i] < utf8.RuneSelf {
			// ASCII tail: everything is complete.
			return b, nil
		}
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return b, nil
			}
			return b[:i], b[i:]
		}
	}
	return b, nil
}
