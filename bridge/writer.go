package bridge

import "go.uber.org/zap"

// Sender is anything that can deliver a message to the channel peer, usually a *Conn.
type Sender interface {
	Send(msg any) error
}

// StreamWriter multiplexes one logical output stream onto a channel.
// Each call to Write produces exactly one Chunk tagged with the stream.
//
// Flush and Close do nothing: buffering belongs to the TTYBuffer layered on top,
// and the end-of-task marker is sent once by the worker after all streams are flushed,
// since several streams share a single terminating signal.
type StreamWriter struct {
	log    *zap.SugaredLogger
	sender Sender
	stream Stream
}

func NewStreamWriter(log *zap.SugaredLogger, sender Sender, stream Stream) *StreamWriter {
	return &StreamWriter{
		log:    log.Named(stream.String() + "_writer"),
		sender: sender,
		stream: stream,
	}
}

func (w *StreamWriter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	w.log.Debugf("writing %d bytes", len(b))
	err := w.sender.Send(Chunk{Stream: w.stream, Text: string(b)})
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *StreamWriter) Flush() error { return nil }

func (w *StreamWriter) Close() error { return nil }
