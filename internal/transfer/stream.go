package transfer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/aoxfer/internal/chunk"
)

// A frame on the wire:
//
// +-------+------------+-------------+-------+------------+-------+-- --+--------+
// | magic | header len | JSON header | count | chunk len  | chunk | ... | sha256 |
// | 4B    | uint32     |             | uint32| uint64     |       |     | 32B    |
// +-------+------------+-------------+-------+------------+-------+-- --+--------+
//
// Integers are big endian. The digest covers the chunk bytes in order.
const (
	frameMagic     = "AOX1"
	maxHeaderBytes = 4 << 20
	bufferSize     = 1 << 20

	maxPreallocChunks = 1024
)

// StreamTransport frames envelopes over a byte stream such as a subprocess's
// stdin/stdout or a socket.
type StreamTransport struct {
	r io.ReadCloser
	w io.WriteCloser

	wmu sync.Mutex
	bw  *bufio.Writer

	frames  chan *Envelope
	readErr error // set before frames is closed

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	logger *zap.Logger
}

// NewStreamTransport starts reading frames from r immediately. Send writes to w.
func NewStreamTransport(r io.ReadCloser, w io.WriteCloser, logger *zap.Logger) *StreamTransport {
	t := &StreamTransport{
		r:      r,
		w:      w,
		bw:     bufio.NewWriterSize(w, bufferSize),
		frames: make(chan *Envelope, 1),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "stream-transport")),
	}
	go t.readLoop()
	return t
}

func (t *StreamTransport) readLoop() {
	br := bufio.NewReaderSize(t.r, bufferSize)
	for {
		env, err := readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrTransportClosed
			}
			t.readErr = err
			close(t.frames)
			return
		}

		t.logger.Debug("Frame received",
			zap.Stringer("kind", env.Kind),
			zap.Uint64("round", env.Round),
			zap.Int("chunks", len(env.Chunks)),
			zap.String("size", humanize.IBytes(uint64(env.Total))),
		)

		select {
		case t.frames <- env:
		case <-t.done:
			return
		}
	}
}

// Send writes one frame. If ctx ends mid-write the transport is closed, since
// the stream can no longer be resynchronised.
func (t *StreamTransport) Send(ctx context.Context, env *Envelope) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	errc := make(chan error, 1)
	go func() {
		t.wmu.Lock()
		defer t.wmu.Unlock()
		errc <- writeFrame(t.bw, env)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return &TransportError{Op: "write", Round: env.Round, Err: err}
		}
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

// Receive returns the next complete frame.
func (t *StreamTransport) Receive(ctx context.Context) (*Envelope, error) {
	select {
	case env, ok := <-t.frames:
		if !ok {
			return nil, t.readErr
		}
		return env, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both directions of the stream.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = multierr.Combine(t.w.Close(), t.r.Close())
	})
	return t.closeErr
}

func writeFrame(bw *bufio.Writer, env *Envelope) error {
	header, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	var scratch [8]byte
	bw.WriteString(frameMagic)

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(header)))
	bw.Write(scratch[:4])
	bw.Write(header)

	binary.BigEndian.PutUint32(scratch[:4], uint32(len(env.Chunks)))
	bw.Write(scratch[:4])

	digest := sha256.New()
	for _, c := range env.Chunks {
		binary.BigEndian.PutUint64(scratch[:], uint64(len(c)))
		bw.Write(scratch[:])
		bw.Write(c)
		digest.Write(c)
	}
	bw.Write(digest.Sum(nil))

	// bufio.Writer keeps the first error and returns it from Flush.
	return bw.Flush()
}

func readFrame(br *bufio.Reader) (*Envelope, error) {
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		// A clean EOF between frames means the peer closed the stream.
		if err == io.EOF {
			return nil, err
		}
		return nil, &TransportError{Op: "read", Err: err}
	}
	if string(magic[:]) != frameMagic {
		return nil, corrupt(0, "bad magic %q", magic[:])
	}

	var scratch [8]byte
	if err := readFull(br, scratch[:4]); err != nil {
		return nil, err
	}
	hlen := binary.BigEndian.Uint32(scratch[:4])
	if hlen > maxHeaderBytes {
		return nil, corrupt(0, "header of %d bytes exceeds %d", hlen, maxHeaderBytes)
	}

	header := make([]byte, hlen)
	if err := readFull(br, header); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(header, &env); err != nil {
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("failed to decode header: %w", err)}
	}

	if err := readFull(br, scratch[:4]); err != nil {
		return nil, withRound(err, env.Round)
	}
	count := binary.BigEndian.Uint32(scratch[:4])
	if env.Total < 0 {
		return nil, corrupt(env.Round, "negative total %d", env.Total)
	}
	want := 0
	if env.Total > 0 {
		n, err := chunk.Count(env.Total, env.ChunkSize)
		if err != nil {
			return nil, corrupt(env.Round, "total %d with chunk size %d", env.Total, env.ChunkSize)
		}
		want = n
	}
	if uint64(count) != uint64(want) {
		return nil, corrupt(env.Round, "%d chunks declared, header implies %d", count, want)
	}

	// Bound allocations by what the header declared before trusting any length.
	var seen int64
	digest := sha256.New()
	if count > 0 {
		env.Chunks = make([][]byte, 0, min(count, maxPreallocChunks))
	}
	for i := uint32(0); i < count; i++ {
		if err := readFull(br, scratch[:]); err != nil {
			return nil, withRound(err, env.Round)
		}
		n := int64(binary.BigEndian.Uint64(scratch[:]))
		if n < 0 || n > env.ChunkSize || seen+n > env.Total {
			return nil, corrupt(env.Round, "chunk %d of %d bytes does not fit header (size %d, total %d)", i, n, env.ChunkSize, env.Total)
		}

		c := make([]byte, n)
		if err := readFull(br, c); err != nil {
			return nil, withRound(err, env.Round)
		}
		digest.Write(c)
		env.Chunks = append(env.Chunks, c)
		seen += n
	}

	var sum [sha256.Size]byte
	if err := readFull(br, sum[:]); err != nil {
		return nil, withRound(err, env.Round)
	}
	if !bytes.Equal(sum[:], digest.Sum(nil)) {
		return nil, corrupt(env.Round, "digest mismatch")
	}

	return &env, nil
}

// readFull is io.ReadFull where running out of input mid-frame is always an
// error, never a clean EOF.
func readFull(r io.Reader, p []byte) error {
	_, err := io.ReadFull(r, p)
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return &TransportError{Op: "read", Err: err}
	}
	return nil
}

func withRound(err error, round uint64) error {
	var te *TransportError
	if errors.As(err, &te) {
		te.Round = round
	}
	return err
}

func corrupt(round uint64, format string, args ...interface{}) error {
	return &TransportError{Op: "read", Round: round, Err: fmt.Errorf("corrupt frame: "+format, args...)}
}
