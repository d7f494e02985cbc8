package chat

import (
	"strings"

	"github.com/bytedance/sonic"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

type frame struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type lineKind int

const (
	lineSkip lineKind = iota
	lineDelta
	lineDone
	lineMalformed
)

// Decoder turns chunks of a streamed completion body into text deltas.
//
// Lines are split on '\n'; an unterminated tail is held until the next Feed.
// A data line whose payload is not valid JSON is put back in front of the
// buffer and decoding of the current chunk stops there. Once [DONE] is seen
// the decoder ignores all further input.
type Decoder struct {
	buf  string
	done bool
}

// Feed appends chunk to the buffer and returns the deltas of every complete
// line it could decode. done reports whether the stream was terminated.
func (d *Decoder) Feed(chunk []byte) (deltas []string, done bool) {
	if d.done {
		return nil, true
	}
	d.buf += string(chunk)

	for {
		idx := strings.IndexByte(d.buf, '\n')
		if idx < 0 {
			return deltas, false
		}
		line := strings.TrimSuffix(d.buf[:idx], "\r")
		d.buf = d.buf[idx+1:]

		delta, kind := decodeLine(line)
		switch kind {
		case lineDone:
			d.done = true
			d.buf = ""
			return deltas, true
		case lineMalformed:
			d.buf = line + "\n" + d.buf
			return deltas, false
		case lineDelta:
			deltas = append(deltas, delta)
		}
	}
}

// Flush decodes whatever is left in the buffer once the body has ended,
// including an unterminated last line. Frames that still fail to parse are
// dropped.
func (d *Decoder) Flush() []string {
	if d.done || strings.TrimSpace(d.buf) == "" {
		d.buf = ""
		return nil
	}
	rest := d.buf
	d.buf = ""

	var deltas []string
	for _, line := range strings.Split(rest, "\n") {
		delta, kind := decodeLine(strings.TrimSuffix(line, "\r"))
		if kind == lineDone {
			d.done = true
			break
		}
		if kind == lineDelta {
			deltas = append(deltas, delta)
		}
	}
	return deltas
}

// Done reports whether [DONE] has been decoded.
func (d *Decoder) Done() bool { return d.done }

// Buffered returns the bytes held back for the next Feed.
func (d *Decoder) Buffered() string { return d.buf }

func decodeLine(line string) (string, lineKind) {
	if strings.HasPrefix(line, ":") || strings.TrimSpace(line) == "" {
		return "", lineSkip
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return "", lineSkip
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == doneMarker {
		return "", lineDone
	}
	if !sonic.ValidString(payload) {
		return "", lineMalformed
	}

	var f frame
	if err := sonic.UnmarshalString(payload, &f); err != nil {
		// valid JSON of an unexpected shape carries no delta
		return "", lineSkip
	}
	if len(f.Choices) == 0 || f.Choices[0].Delta.Content == nil || *f.Choices[0].Delta.Content == "" {
		return "", lineSkip
	}
	return *f.Choices[0].Delta.Content, lineDelta
}
