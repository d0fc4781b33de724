package httpbackend

import (
	"context"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
)

const streamBufferSize = 64

// stream reads batches from a websocket on its own goroutine.
type stream struct {
	conn *websocket.Conn
	ch   chan models.Batch

	once sync.Once
	done chan struct{}
	err  error
}

func newStream(conn *websocket.Conn) *stream {
	s := &stream{
		conn: conn,
		ch:   make(chan models.Batch, streamBufferSize),
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *stream) readLoop() {
	for {
		var batch models.Batch
		if err := s.conn.ReadJSON(&batch); err != nil {
			s.fail(classify(err))
			return
		}
		select {
		case s.ch <- batch:
		case <-s.done:
			return
		}
	}
}

// classify maps a read failure into the error taxonomy. Every server-side
// close is retryable from the last committed cursor.
func classify(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) || isNetClosed(err) {
		return io.EOF
	}
	return syncerr.Transient("recv", err)
}

func (s *stream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Recv implements backend.DeltaStream. Batches read before a failure are
// delivered before the error.
func (s *stream) Recv(ctx context.Context) (models.Batch, error) {
	select {
	case batch := <-s.ch:
		return batch, nil
	default:
	}
	select {
	case batch := <-s.ch:
		return batch, nil
	case <-s.done:
		select {
		case batch := <-s.ch:
			return batch, nil
		default:
		}
		return models.Batch{}, s.err
	case <-ctx.Done():
		return models.Batch{}, ctx.Err()
	}
}

// Close implements backend.DeltaStream.
func (s *stream) Close() error {
	s.fail(io.EOF)
	return s.conn.Close()
}
