// Package compress reassembles Discord gateway zlib-stream frames and
// inflates them into decoded JSON text. It exists only for shards
// constructed with compression enabled.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"personal/gatewayshard/src/opcodes"
)

// zlib sync-flush trailer marking a logical message boundary in the stream.
var syncTrailer = []byte{0x00, 0x00, 0xff, 0xff}

// terminatorBlock is a synthetic empty, final, stored DEFLATE block
// (BFINAL=1, BTYPE=00, LEN=0) appended after each message's compressed
// bytes before feeding them to the reader. Discord's zlib-stream is one
// continuous deflate stream for the whole connection: a sync-flush only
// byte-aligns and empties the compressor's bit buffer, it never ends the
// stream. flate.Reader expects to own a self-terminating source, so without
// this trailer a Read past the flush point either blocks forever or, fed
// through an ever-growing buffer, sticks on io.ErrUnexpectedEOF for every
// message after the first. The trailer gives the reader a genuine
// end-of-stream for this message alone; the shared LZ77 window is carried
// across messages via the dict argument to Reset, not by concatenating
// buffers.
var terminatorBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// windowSize is the largest DEFLATE back-reference distance (32K), the most
// of a prior message a later one could possibly reference.
const windowSize = 32 * 1024

// stagingSize is the size of the buffer used to stage inflate output.
const stagingSize = 512 * 1024

var errZlibHeader = errors.New("compress: invalid zlib header")

var errZlibDict = errors.New("compress: zlib preset dictionary required")

// Error is a synthetic close code produced by the decompressor, mapped
// through opcodes.Describe for logging.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compress: %s: %v", opcodes.Describe(e.Code), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Inflater owns one continuous zlib inflate stream for the lifetime of a
// single transport connection: Discord's zlib-stream compression is one
// unbroken deflate stream for the connection, with the sync-flush marker
// only delimiting logical messages within it. It must be discarded and
// rebuilt on every reconnect; the stream is not resumable across a new
// socket.
type Inflater struct {
	pending *bytes.Buffer // bytes received but not yet forming a complete frame

	headerStripped bool
	reader         io.ReadCloser // klauspost/compress/flate reader; also a flate.Resetter
	window         []byte        // trailing decompressed bytes, carried as the dict on Reset

	stage             []byte
	decompressedTotal int64
}

// New constructs an Inflater. The flate reader itself is initialized lazily
// on the first complete frame, once the two-byte zlib header (present only
// once, at the very start of the connection) has been stripped from it.
func New() *Inflater {
	return &Inflater{
		pending: &bytes.Buffer{},
		stage:   make([]byte, stagingSize),
	}
}

// HandleFrame appends payload to the pending buffer and reports whether it
// ends with the zlib sync-flush trailer. When it does, the newly available
// compressed bytes are inflated and returned as decoded text; when it does
// not, ok is false and the caller must accumulate more frames before
// calling again.
func (inf *Inflater) HandleFrame(payload []byte) (text []byte, ok bool, err error) {
	inf.pending.Write(payload)

	if inf.pending.Len() < 4 || !bytes.Equal(inf.pending.Bytes()[inf.pending.Len()-4:], syncTrailer) {
		return nil, false, nil
	}

	frame := inf.pending.Bytes()
	inf.pending = &bytes.Buffer{}

	if !inf.headerStripped {
		stripped, herr := stripZlibHeader(frame)
		if herr != nil {
			return nil, false, classify(herr)
		}
		frame = stripped
		inf.headerStripped = true
	}

	src := io.MultiReader(bytes.NewReader(frame), bytes.NewReader(terminatorBlock))

	if inf.reader == nil {
		inf.reader = flate.NewReader(src)
	} else if rerr := inf.reader.(flate.Resetter).Reset(src, inf.window); rerr != nil {
		return nil, false, classify(rerr)
	}

	var out bytes.Buffer
	for {
		n, rerr := inf.reader.Read(inf.stage)
		if n > 0 {
			out.Write(inf.stage[:n])
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return nil, false, classify(rerr)
		}
		if n == 0 {
			break
		}
	}

	inf.carryWindow(out.Bytes())
	inf.decompressedTotal += int64(out.Len())
	return out.Bytes(), true, nil
}

// carryWindow keeps the trailing windowSize bytes of everything decompressed
// so far, seeded as the dict on the next Reset so a later message's
// back-references into an earlier one still resolve.
func (inf *Inflater) carryWindow(produced []byte) {
	inf.window = append(inf.window, produced...)
	if len(inf.window) > windowSize {
		inf.window = inf.window[len(inf.window)-windowSize:]
	}
}

// stripZlibHeader validates and removes the two-byte RFC 1950 header that
// prefixes only the very first message of the stream. Discord never sends a
// preset dictionary, so FDICT set is reported as errZlibDict.
func stripZlibHeader(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, errZlibHeader
	}
	cmf, flg := b[0], b[1]
	if cmf&0x0f != 8 || cmf>>4 > 7 {
		return nil, errZlibHeader
	}
	if (uint16(cmf)<<8|uint16(flg))%31 != 0 {
		return nil, errZlibHeader
	}
	if flg&0x20 != 0 {
		return nil, errZlibDict
	}
	return b[2:], nil
}

// DecompressedTotal returns the running count of decompressed bytes
// produced since the Inflater was constructed.
func (inf *Inflater) DecompressedTotal() int64 {
	return inf.decompressedTotal
}

// Close releases the underlying flate reader. It is always safe to call,
// including on a never-initialized Inflater.
func (inf *Inflater) Close() error {
	if inf.reader == nil {
		return nil
	}
	return inf.reader.Close()
}

func classify(err error) *Error {
	var corrupt flate.CorruptInputError
	if errors.As(err, &corrupt) {
		return &Error{Code: opcodes.CloseZlibData, Err: err}
	}
	if errors.Is(err, errZlibHeader) {
		return &Error{Code: opcodes.CloseZlibData, Err: err}
	}
	if errors.Is(err, errZlibDict) {
		return &Error{Code: opcodes.CloseZlibStream, Err: err}
	}
	var internal flate.InternalError
	if errors.As(err, &internal) {
		return &Error{Code: opcodes.CloseZlibStream, Err: err}
	}
	return &Error{Code: opcodes.CloseZlibMemory, Err: err}
}
