package session

import (
	"errors"
	"sync"
)

// ErrInterrupted is returned by outStream.send after the stream was killed
// by barge-in or close. The caller stops producing chunks.
var ErrInterrupted = errors.New("session: stream interrupted")

// outStream is the outbound chunk stream for one spoken response. It owns
// the interrupt boundary: once interrupt ran, no further chunk can go out,
// because send and interrupt serialize on the same mutex. Lock order is
// always outStream.mu before Session.mu.
type outStream struct {
	session *Session

	mu          sync.Mutex
	interrupted bool
}

// send delivers one chunk with the next session-wide sequence number, or
// reports ErrInterrupted so the producer discards the rest of the response.
func (st *outStream) send(data []byte, final bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.interrupted {
		return ErrInterrupted
	}
	return st.session.emitChunk(data, final)
}

// interrupt kills the stream and tells the client playback ended early.
// Idempotent; the streaming_interrupted frame goes out under the stream
// mutex so no chunk can be sent after it.
func (st *outStream) interrupt() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.interrupted {
		return
	}
	st.interrupted = true
	st.session.send(Outbound{Event: EventStreamingInterrupted})
}

// complete marks normal end of stream. A no-op when the stream was
// interrupted first: the client already saw streaming_interrupted.
func (st *outStream) complete() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.interrupted {
		return
	}
	st.session.send(Outbound{Event: EventStreamingComplete})
}
