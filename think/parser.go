// Package think implements a stateful parser that splits a chunked text
// stream into TEXT and THINK segments around literal `<think>`/`</think>`
// tags, the way small reasoning models interleave chain-of-thought with
// their final answer.
package think

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// State is one of the parser's four internal states.
type State int

const (
	// NORMAL is emitting ordinary text outside any think section.
	NORMAL State = iota
	// MAYBE_OPEN is matching a prefix of "<think>".
	MAYBE_OPEN
	// INSIDE is inside a think section, emitting THINK chunks.
	INSIDE
	// MAYBE_CLOSE is matching a prefix of "</think>" from inside INSIDE.
	MAYBE_CLOSE
)

// String returns the state's name, used in tests and debug logging.
func (s State) String() string {
	switch s {
	case NORMAL:
		return "NORMAL"
	case MAYBE_OPEN:
		return "MAYBE_OPEN"
	case INSIDE:
		return "INSIDE"
	case MAYBE_CLOSE:
		return "MAYBE_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ChunkKind distinguishes a Chunk's text as ordinary or reasoning content.
type ChunkKind int

const (
	TEXT ChunkKind = iota
	THINK
)

// Chunk is one emitted piece of text along with its classification.
type Chunk struct {
	Kind ChunkKind
	Text string
}

// Parser consumes text incrementally via Feed and emits Chunks. The
// concatenation of every emitted Chunk.Text, across the lifetime of a
// Parser including the Finalize call, equals the fed input with the
// literal tokens "<think>" and "</think>" removed. Tags do not nest: a
// second "<think>" encountered while already INSIDE is literal text.
//
// A Parser is not safe for concurrent use; it is driven by a single pump
// (the provider adapter's stream loop).
type Parser struct {
	state State

	// buf accumulates the text run currently being built for the active
	// state's chunk kind (TEXT while NORMAL, THINK while INSIDE).
	buf strings.Builder

	// pending holds a partial match against openTag or closeTag that
	// spans a chunk boundary.
	pending strings.Builder
}

// New creates a Parser starting in the NORMAL state.
func New() *Parser {
	return &Parser{state: NORMAL}
}

// Feed consumes the next chunk of raw text and returns the Chunks it
// produces. A single call to Feed may emit zero, one, or several Chunks
// depending on how many tags it completes. Feed never blocks and performs
// no I/O.
func (p *Parser) Feed(input string) []Chunk {
	var out []Chunk

	for i := 0; i < len(input); i++ {
		c := input[i]

		switch p.state {
		case NORMAL:
			if c == openTag[0] {
				p.pending.Reset()
				p.pending.WriteByte(c)
				p.state = MAYBE_OPEN
			} else {
				p.buf.WriteByte(c)
			}

		case MAYBE_OPEN:
			p.pending.WriteByte(c)
			matched := p.pending.String()
			switch {
			case matched == openTag:
				if p.buf.Len() > 0 {
					out = append(out, Chunk{Kind: TEXT, Text: p.buf.String()})
					p.buf.Reset()
				}
				p.pending.Reset()
				p.state = INSIDE
			case len(matched) <= len(openTag) && matched == openTag[:len(matched)]:
				// still a viable prefix, keep accumulating in pending
			default:
				// mismatch: the buffered prefix was ordinary text after all
				p.buf.WriteString(matched)
				p.pending.Reset()
				p.state = NORMAL
			}

		case INSIDE:
			if c == closeTag[0] {
				p.pending.Reset()
				p.pending.WriteByte(c)
				p.state = MAYBE_CLOSE
			} else {
				p.buf.WriteByte(c)
			}

		case MAYBE_CLOSE:
			p.pending.WriteByte(c)
			matched := p.pending.String()
			switch {
			case matched == closeTag:
				if p.buf.Len() > 0 {
					out = append(out, Chunk{Kind: THINK, Text: p.buf.String()})
					p.buf.Reset()
				}
				p.pending.Reset()
				p.state = NORMAL
			case len(matched) <= len(closeTag) && matched == closeTag[:len(matched)]:
				// still a viable prefix
			default:
				// mismatch: the buffered prefix is literal think content
				p.buf.WriteString(matched)
				p.pending.Reset()
				p.state = INSIDE
			}
		}
	}

	if p.buf.Len() > 0 {
		kind := TEXT
		if p.state == INSIDE || p.state == MAYBE_CLOSE {
			kind = THINK
		}
		out = append(out, Chunk{Kind: kind, Text: p.buf.String()})
		p.buf.Reset()
	}

	return out
}

// Finalize flushes any text still buffered waiting for a tag that never
// completed (an unterminated "<thi" at end of stream, for instance) as
// plain text of whatever kind the parser was accumulating, and resets the
// parser to NORMAL.
func (p *Parser) Finalize() []Chunk {
	var out []Chunk
	if p.pending.Len() > 0 {
		kind := TEXT
		if p.state == MAYBE_CLOSE {
			kind = THINK
		}
		out = append(out, Chunk{Kind: kind, Text: p.pending.String()})
		p.pending.Reset()
	}
	p.state = NORMAL
	return out
}
