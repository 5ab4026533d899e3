// Package partition implements the append-only, length-prefixed document
// file that backs every write stream. A Partition is a single file: a
// fixed magic header followed by a contiguous run of framed documents.
// Writes are buffered and flushed on the next scheduler turn so that a
// burst of appends costs one disk I/O; reads are served from whichever of
// the write buffer, read-buffer cache, or the file itself currently holds
// the requested bytes.
//
// This package adapts the segment-rotation machinery the wider storage
// engine historically used for high-throughput log files: instead of many
// size-bounded rotating segments per stream, each write stream owns exactly
// one Partition for its lifetime, so the naming and discovery concerns
// collapse into a single resolvable path per stream name.
package partition

import (
	stdErrors "errors"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/albe/eventstore/pkg/errors"
	"github.com/albe/eventstore/pkg/events"
	"github.com/albe/eventstore/pkg/options"
	"go.uber.org/zap"
)

// AppendEvent is emitted once per flush that grows a partition, carrying
// the body size immediately before and after the flush.
type AppendEvent struct {
	PrevSize int64
	NewSize  int64
}

// TruncateEvent is emitted once per truncate that shrinks a partition.
type TruncateEvent struct {
	PrevSize int64
	NewSize  int64
}

const (
	// magic is the eight-byte identifier written at the start of every
	// partition file. The trailing "01" doubles as the format version: a
	// file whose first six bytes match magicPrefix but whose version
	// suffix differs was written by an incompatible release.
	magic       = "nesprt01"
	magicPrefix = "nesprt"
	version     = "01"

	// headerSize is len(magic) + 1 for the trailing newline.
	headerSize = 9

	// lengthFieldSize is the width of the ASCII decimal length prefix.
	lengthFieldSize = 10

	// frameOverhead is the byte cost of framing a payload: the length
	// prefix plus the trailing newline.
	frameOverhead = lengthFieldSize + 1

	// FrameOverhead is frameOverhead exported for callers (the index and
	// event-store coordinator) that need to convert between a document's
	// payload length and its framed on-disk size.
	FrameOverhead = frameOverhead
)

// FlushFunc is invoked once the document passed to the Write call that
// registered it has been durably flushed (or, for writes that bypassed
// buffering, on the next scheduler turn after the direct write completed).
type FlushFunc func()

// Partition is the append-only document file for one write stream.
type Partition struct {
	name string
	id   uint32
	path string

	file *os.File
	opts *options.Options
	log  *zap.SugaredLogger

	mu sync.Mutex

	size int64 // logical body size, including unflushed buffered bytes

	writeBuf         []byte
	writeBufferStart int64 // body position the write buffer begins at
	writeBufDocs     int
	callbacks        []FlushFunc
	flushScheduled   bool
	writeFailed      error

	readBuf      []byte
	readBufStart int64 // -1 when invalid
	readBufLen   int

	onAppend   *events.Emitter[AppendEvent]
	onTruncate *events.Emitter[TruncateEvent]

	closed bool
}

// Open opens or creates the partition file at path. name is the logical
// write-stream name this partition belongs to; its djb2-xor hash becomes
// the partition's 32-bit id, recorded in every IndexEntry that points into
// this file.
func Open(path, name string, opts *options.Options, log *zap.SugaredLogger) (*Partition, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, name)
	}

	p := &Partition{
		name:         name,
		id:           hashName(name),
		path:         path,
		file:         file,
		opts:         opts,
		log:          log,
		readBufStart: -1,
		onAppend:     events.NewEmitter[AppendEvent](),
		onTruncate:   events.NewEmitter[TruncateEvent](),
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat partition file").
			WithFileName(name).WithPath(path)
	}

	if stat.Size() == 0 {
		if _, err := file.WriteAt([]byte(magic+"\n"), 0); err != nil {
			file.Close()
			return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to write partition header").
				WithFileName(name).WithPath(path)
		}
		p.size = 0
		log.Infow("created new partition", "name", name, "id", p.id, "path", path)
		return p, nil
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, headerSize), header); err != nil {
		file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to read partition header").
			WithFileName(name).WithPath(path)
	}

	if string(header[:len(magicPrefix)]) != magicPrefix {
		file.Close()
		return nil, errors.NewStorageError(nil, errors.ErrorCodeInvalidHeader, "partition header magic mismatch").
			WithFileName(name).WithPath(path)
	}
	if string(header[len(magicPrefix):len(magicPrefix)+len(version)]) != version {
		file.Close()
		return nil, errors.NewStorageError(nil, errors.ErrorCodeVersionMismatch, "partition header version mismatch").
			WithFileName(name).WithPath(path)
	}

	p.size = stat.Size() - headerSize
	p.writeBufferStart = p.size
	log.Infow("opened existing partition", "name", name, "id", p.id, "path", path, "size", p.size)
	return p, nil
}

// ID returns the partition's 32-bit id, derived from its stream name.
func (p *Partition) ID() uint32 { return p.id }

// Name returns the write-stream name this partition belongs to.
func (p *Partition) Name() string { return p.name }

// Size returns the partition's current logical body size, including bytes
// buffered but not yet flushed.
func (p *Partition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// OnAppend returns the emitter subscribers use to learn about partition
// growth, fired once per flush that persisted new bytes.
func (p *Partition) OnAppend() *events.Emitter[AppendEvent] {
	return p.onAppend
}

// OnTruncate returns the emitter subscribers use to learn about a
// whole-suffix truncation.
func (p *Partition) OnTruncate() *events.Emitter[TruncateEvent] {
	return p.onTruncate
}

// Write frames data as a length-prefixed document and appends it. It
// returns the position the document was written at (the partition's size
// immediately before this write). onFlush, if non-nil, runs once the
// document is durable: immediately via a zero-delay timer for writes that
// bypass buffering, or at the next scheduled flush otherwise.
func (p *Partition) Write(data []byte, onFlush FlushFunc) (int64, error) {
	n := len(data)
	frame := make([]byte, 0, n+frameOverhead)
	frame = append(frame, formatLength(n)...)
	frame = append(frame, data...)
	frame = append(frame, '\n')

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return 0, errors.NewStorageError(nil, errors.ErrorCodeClosed, "write on closed partition").
			WithFileName(p.name).WithPath(p.path)
	}
	if p.writeFailed != nil {
		err := p.writeFailed
		p.mu.Unlock()
		return 0, err
	}

	pos := p.size
	writeBufferSize := p.opts.PartitionOptions.WriteBufferSize

	if len(p.writeBuf)+len(frame) > writeBufferSize && len(p.writeBuf) > 0 {
		callbacks, appended, err := p.flushLocked()
		p.mu.Unlock()
		if appended != nil {
			p.onAppend.Emit(*appended)
		}
		runCallbacks(callbacks)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
	}

	if len(frame) > writeBufferSize {
		writeAt := headerSize + pos
		if _, err := p.file.WriteAt(frame, writeAt); err != nil {
			p.writeFailed = errors.ClassifySyncError(err, p.name, p.path, pos)
			p.mu.Unlock()
			return 0, p.writeFailed
		}
		if p.opts.PartitionOptions.SyncOnFlush {
			if err := p.file.Sync(); err != nil {
				p.writeFailed = errors.ClassifySyncError(err, p.name, p.path, pos)
				p.mu.Unlock()
				return 0, p.writeFailed
			}
		}
		prevSize := p.size
		p.size += int64(len(frame))
		p.writeBufferStart = p.size
		p.mu.Unlock()

		p.onAppend.Emit(AppendEvent{PrevSize: prevSize, NewSize: p.size})
		if onFlush != nil {
			time.AfterFunc(0, onFlush)
		}
		return pos, nil
	}

	wasEmpty := len(p.writeBuf) == 0
	p.writeBuf = append(p.writeBuf, frame...)
	p.writeBufDocs++
	if onFlush != nil {
		p.callbacks = append(p.callbacks, onFlush)
	}
	p.size += int64(len(frame))

	maxDocs := p.opts.PartitionOptions.MaxWriteBufferDocuments
	forceFlush := maxDocs > 0 && p.writeBufDocs >= maxDocs

	if forceFlush {
		callbacks, appended, err := p.flushLocked()
		p.mu.Unlock()
		if appended != nil {
			p.onAppend.Emit(*appended)
		}
		runCallbacks(callbacks)
		return pos, err
	}

	if wasEmpty && !p.flushScheduled {
		p.flushScheduled = true
		time.AfterFunc(0, p.scheduledFlush)
	}
	p.mu.Unlock()
	return pos, nil
}

// scheduledFlush is the deferred-flush callback registered by Write. It
// replaces the cooperative "flush on next tick" idiom with an explicit
// zero-delay timer, preserving the guarantee that one burst of buffered
// writes costs a single flush.
func (p *Partition) scheduledFlush() {
	p.mu.Lock()
	p.flushScheduled = false
	callbacks, appended, err := p.flushLocked()
	p.mu.Unlock()
	if err != nil {
		p.log.Errorw("scheduled partition flush failed", "name", p.name, "error", err)
	}
	if appended != nil {
		p.onAppend.Emit(*appended)
	}
	runCallbacks(callbacks)
}

// Flush writes any buffered documents to disk and invokes their registered
// callbacks. It is safe to call when nothing is buffered.
func (p *Partition) Flush() error {
	p.mu.Lock()
	callbacks, appended, err := p.flushLocked()
	p.mu.Unlock()
	if appended != nil {
		p.onAppend.Emit(*appended)
	}
	runCallbacks(callbacks)
	return err
}

// flushLocked performs the actual write-buffer drain. Callers must hold
// p.mu and must emit the returned append event and run the returned
// callbacks only after releasing it, so a callback that re-enters the
// partition cannot deadlock.
func (p *Partition) flushLocked() ([]FlushFunc, *AppendEvent, error) {
	if len(p.writeBuf) == 0 {
		if len(p.callbacks) == 0 {
			return nil, nil, nil
		}
		callbacks := p.callbacks
		p.callbacks = nil
		return callbacks, nil, nil
	}

	prevSize := p.writeBufferStart

	writeAt := headerSize + p.writeBufferStart
	if _, err := p.file.WriteAt(p.writeBuf, writeAt); err != nil {
		p.writeFailed = errors.ClassifySyncError(err, p.name, p.path, p.writeBufferStart)
		return nil, nil, p.writeFailed
	}
	if p.opts.PartitionOptions.SyncOnFlush {
		if err := p.file.Sync(); err != nil {
			p.writeFailed = errors.ClassifySyncError(err, p.name, p.path, p.writeBufferStart)
			return nil, nil, p.writeFailed
		}
	}

	p.writeBufferStart += int64(len(p.writeBuf))
	p.writeBuf = p.writeBuf[:0]
	p.writeBufDocs = 0

	callbacks := p.callbacks
	p.callbacks = nil
	return callbacks, &AppendEvent{PrevSize: prevSize, NewSize: p.writeBufferStart}, nil
}

func runCallbacks(callbacks []FlushFunc) {
	for _, cb := range callbacks {
		cb()
	}
}

// ReadFrom reads the document at body position. It returns ok=false when
// position is out of range (a clean boundary, not an error): specifically
// when position+10 >= size, since a ten-byte length header cannot fit
// strictly before the size boundary. If expectedSize is non-negative and
// disagrees with the on-disk length, it returns an InvalidDataSize error;
// a torn or unparsable frame returns a CorruptFile error.
func (p *Partition) ReadFrom(position int64, expectedSize int) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, nil
	}
	if position < 0 || position+lengthFieldSize >= p.size {
		return nil, false, nil
	}

	header, err := p.sourceBytesLocked(position, lengthFieldSize)
	if err != nil {
		return nil, false, err
	}

	payloadLen, err := parseLength(header)
	if err != nil {
		return nil, false, errors.NewStorageError(err, errors.ErrorCodeCorruptFile, "corrupt document length header").
			WithFileName(p.name).WithPath(p.path).WithOffset(position)
	}
	if expectedSize >= 0 && payloadLen != expectedSize {
		return nil, false, errors.NewStorageError(
			nil, errors.ErrorCodeInvalidDataSize, "document size does not match expected size",
		).WithFileName(p.name).WithPath(p.path).WithOffset(position).
			WithDetail("expectedSize", expectedSize).WithDetail("actualSize", payloadLen)
	}

	frameLen := payloadLen + frameOverhead
	if position+int64(frameLen) > p.size {
		return nil, false, errors.NewStorageError(nil, errors.ErrorCodeCorruptFile, "torn write: document runs past partition size").
			WithFileName(p.name).WithPath(p.path).WithOffset(position)
	}

	frame, err := p.sourceBytesLocked(position, frameLen)
	if err != nil {
		return nil, false, err
	}

	payload := make([]byte, payloadLen)
	copy(payload, frame[lengthFieldSize:lengthFieldSize+payloadLen])
	return payload, true, nil
}

// sourceBytesLocked returns length bytes starting at body position,
// drawing from the unflushed write buffer, the read-buffer cache, or a
// fresh read from the file, refilling the cache as needed. Callers must
// hold p.mu.
func (p *Partition) sourceBytesLocked(position int64, length int) ([]byte, error) {
	if position >= p.writeBufferStart {
		off := position - p.writeBufferStart
		if off+int64(length) > int64(len(p.writeBuf)) {
			return nil, errors.NewStorageError(nil, errors.ErrorCodeCorruptFile, "read past end of buffered writes").
				WithFileName(p.name).WithPath(p.path).WithOffset(position)
		}
		out := make([]byte, length)
		copy(out, p.writeBuf[off:off+int64(length)])
		return out, nil
	}

	if p.readBufStart >= 0 && position >= p.readBufStart &&
		position+int64(length) <= p.readBufStart+int64(p.readBufLen) {
		off := position - p.readBufStart
		return p.readBuf[off : off+int64(length)], nil
	}

	readBufferSize := p.opts.PartitionOptions.ReadBufferSize
	if length > readBufferSize {
		// One-shot read for a document larger than the cache.
		buf := make([]byte, length)
		if _, err := io.ReadFull(io.NewSectionReader(p.file, headerSize+position, int64(length)), buf); err != nil {
			return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to read partition data").
				WithFileName(p.name).WithPath(p.path).WithOffset(position)
		}
		return buf, nil
	}

	available := p.writeBufferStart - position
	toRead := int64(readBufferSize)
	if toRead > available {
		toRead = available
	}
	buf := make([]byte, toRead)
	if _, err := io.ReadFull(io.NewSectionReader(p.file, headerSize+position, toRead), buf); err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to refill partition read buffer").
			WithFileName(p.name).WithPath(p.path).WithOffset(position)
	}
	p.readBuf = buf
	p.readBufStart = position
	p.readBufLen = len(buf)

	if int64(length) > toRead {
		return nil, errors.NewStorageError(nil, errors.ErrorCodeCorruptFile, "torn write: document runs past partition size").
			WithFileName(p.name).WithPath(p.path).WithOffset(position)
	}
	return buf[:length], nil
}

// ReadAll returns an iterator over every document in the partition, in
// order, starting from position 0. Iteration stops, without error, the
// moment ReadFrom would return false; any corruption encountered mid-scan
// is logged and also ends iteration, since a sequential scan has no
// channel to report an error once it has already yielded prior documents.
func (p *Partition) ReadAll() func(yield func([]byte) bool) {
	return func(yield func([]byte) bool) {
		var position int64
		for {
			data, ok, err := p.ReadFrom(position, -1)
			if err != nil {
				p.log.Warnw("stopping partition scan on read error", "name", p.name, "position", position, "error", err)
				return
			}
			if !ok {
				return
			}
			if !yield(data) {
				return
			}
			position += int64(lengthFieldSize + len(data) + 1)
		}
	}
}

// Reload re-stats the underlying file and picks up growth written by
// another process sharing this partition. It is meant for a read-only
// instance, which never buffers writes of its own: if the file has grown
// past the last known size, the new size is adopted, the read-buffer
// cache is invalidated, and an AppendEvent fires so subscribers learn
// about the new documents the same way they would for a local write.
func (p *Partition) Reload() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.NewStorageError(nil, errors.ErrorCodeClosed, "reload on closed partition").
			WithFileName(p.name).WithPath(p.path)
	}

	stat, err := p.file.Stat()
	if err != nil {
		p.mu.Unlock()
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat partition file during reload").
			WithFileName(p.name).WithPath(p.path)
	}

	onDiskSize := stat.Size() - headerSize
	if onDiskSize <= p.size {
		p.mu.Unlock()
		return nil
	}

	prevSize := p.size
	p.size = onDiskSize
	p.writeBufferStart = onDiskSize
	p.readBufStart = -1
	p.readBuf = nil
	p.mu.Unlock()

	p.onAppend.Emit(AppendEvent{PrevSize: prevSize, NewSize: onDiskSize})
	return nil
}

// Truncate flushes pending writes, then truncates the partition to the
// given body size, dropping everything written after it. It is a no-op if
// after is greater than or equal to the current size.
func (p *Partition) Truncate(after int64) error {
	if after < 0 {
		after = 0
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.NewStorageError(nil, errors.ErrorCodeClosed, "truncate on closed partition").
			WithFileName(p.name).WithPath(p.path)
	}
	callbacks, appended, err := p.flushLocked()
	p.mu.Unlock()
	if appended != nil {
		p.onAppend.Emit(*appended)
	}
	runCallbacks(callbacks)
	if err != nil {
		return err
	}

	p.mu.Lock()

	if after >= p.size {
		p.mu.Unlock()
		return nil
	}
	prevSize := p.size
	if err := p.file.Truncate(headerSize + after); err != nil {
		p.mu.Unlock()
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to truncate partition file").
			WithFileName(p.name).WithPath(p.path)
	}
	p.size = after
	p.writeBufferStart = after
	p.readBufStart = -1
	p.readBuf = nil
	p.mu.Unlock()

	p.onTruncate.Emit(TruncateEvent{PrevSize: prevSize, NewSize: after})
	return nil
}

// Close flushes any pending writes, closes the underlying file, and
// releases the partition's buffers.
func (p *Partition) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	callbacks, appended, flushErr := p.flushLocked()
	p.closed = true
	p.mu.Unlock()
	if appended != nil {
		p.onAppend.Emit(*appended)
	}
	runCallbacks(callbacks)
	p.onAppend.Close()
	p.onTruncate.Close()

	if err := p.file.Close(); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to close partition file").
			WithFileName(p.name).WithPath(p.path)
	}
	return flushErr
}

// formatLength renders n as a ten-byte, left-justified, space-padded
// ASCII decimal field.
func formatLength(n int) string {
	s := strconv.Itoa(n)
	if len(s) >= lengthFieldSize {
		return s[:lengthFieldSize]
	}
	return s + strings.Repeat(" ", lengthFieldSize-len(s))
}

// parseLength parses a ten-byte length field written by formatLength.
func parseLength(field []byte) (int, error) {
	trimmed := strings.TrimRight(string(field), " ")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, stdErrors.New("negative length")
	}
	return n, nil
}

// hashName computes a 32-bit djb2-xor hash of name, used as the
// partition's id in every IndexEntry that points into its file.
func hashName(name string) uint32 {
	var hash uint32 = 5381
	for i := 0; i < len(name); i++ {
		hash = ((hash << 5) + hash) ^ uint32(name[i])
	}
	return hash
}
