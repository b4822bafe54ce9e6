package ipc

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name   string         `json:"name"`
	Values map[string]any `json:"values"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	r, w := io.Pipe()
	enc := NewEncoder(w)
	dec := NewDecoder(r)

	go func() {
		_ = enc.Send(MsgJob, payload{Name: "w0", Values: map[string]any{"n": 12345678901234}})
		_ = enc.Send(MsgDone, nil)
		_ = w.Close()
	}()

	msg, err := dec.Receive()
	require.NoError(t, err)
	assert.Equal(t, MsgJob, msg.ID)
	var p payload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "w0", p.Name)
	assert.Equal(t, json.Number("12345678901234"), p.Values["n"])

	msg, err = dec.Receive()
	require.NoError(t, err)
	assert.Equal(t, MsgDone, msg.ID)
	assert.Error(t, msg.Decode(&p))

	_, err = dec.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncoder_ConcurrentSendsStayWhole(t *testing.T) {
	var sb strings.Builder
	var mu sync.Mutex
	enc := NewEncoder(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return sb.Write(p)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, enc.Send(MsgEvent, map[string]int{"inserts": j}))
			}
		}()
	}
	wg.Wait()

	dec := NewDecoder(strings.NewReader(sb.String()))
	count := 0
	for {
		msg, err := dec.Receive()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, MsgEvent, msg.ID)
		count++
	}
	assert.Equal(t, 400, count)
}

func TestDecoder_Malformed(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("not json\n")).Receive()
	assert.Error(t, err)

	_, err = NewDecoder(strings.NewReader(`{"data":1}` + "\n")).Receive()
	assert.Error(t, err)

	msg, err := NewDecoder(strings.NewReader("\n\n" + `{"id":"exit"}` + "\n")).Receive()
	require.NoError(t, err)
	assert.Equal(t, MsgExit, msg.ID)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
