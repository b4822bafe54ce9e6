// Package ipc carries messages between the orchestrator and worker
// subprocesses. Each message is one line of JSON wrapping an id and its data:
//
//	{"id":"event","data":{...}}
//
// The data of a received message is decoded lazily, once the receiver knows
// which type the id implies.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const (
	MsgJob     = "job"
	MsgDone    = "done"
	MsgEvent   = "event"
	MsgLatency = "latency"
	MsgWrites  = "writes"
	MsgExit    = "exit"
)

const maxLine = 64 << 20

type envelope struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a received envelope.
type Message struct {
	ID   string
	data json.RawMessage
}

// Decode unpacks the message data into v. Numbers inside untyped values are
// kept as json.Number.
func (m Message) Decode(v any) error {
	if len(m.data) == 0 {
		return errors.Errorf("message %q has no data", m.ID)
	}
	dec := json.NewDecoder(bytes.NewReader(m.data))
	dec.UseNumber()
	return errors.Wrapf(dec.Decode(v), "decoding %q message", m.ID)
}

// Encoder writes messages. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Send encodes and flushes one message. data may be nil.
func (e *Encoder) Send(id string, data any) error {
	env := envelope{ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return errors.Wrapf(err, "encoding %q message", id)
		}
		env.Data = raw
	}
	line, err := json.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "encoding %q message", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(line, '\n')); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads messages in order.
type Decoder struct {
	s *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLine)
	return &Decoder{s: s}
}

// Receive blocks for the next message. It returns io.EOF when the stream ends
// cleanly.
func (d *Decoder) Receive() (Message, error) {
	for d.s.Scan() {
		line := bytes.TrimSpace(d.s.Bytes())
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Message{}, errors.Wrap(err, "malformed message")
		}
		if env.ID == "" {
			return Message{}, errors.New("message without id")
		}
		return Message{ID: env.ID, data: append(json.RawMessage(nil), env.Data...)}, nil
	}
	if err := d.s.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
