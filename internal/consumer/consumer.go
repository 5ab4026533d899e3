// Package consumer implements the durable, exactly-once cursor over a
// read stream described in the source design: a position plus an
// arbitrary caller state, both advanced and persisted together so a crash
// between processing two events never leaves the position ahead of the
// state it was checkpointed with. It is new code (the teacher has no
// iteration or checkpointing concept at all) built in the teacher's
// idiom: functional-options-configured, zap-logged, and driven by the
// same pkg/events.Emitter publish/subscribe primitive the rest of this
// module uses to wire components together.
package consumer

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/albe/eventstore/internal/index"
	"github.com/albe/eventstore/internal/stream"
	"github.com/albe/eventstore/pkg/errors"
	"github.com/albe/eventstore/pkg/events"
	"github.com/albe/eventstore/pkg/filesys"
	"github.com/albe/eventstore/pkg/options"
	"go.uber.org/zap"
)

// SetStateFunc is the callback a Handler may invoke at most once per
// event to replace the consumer's persisted state. update is either a
// literal replacement value or a func(prev json.RawMessage) any computed
// from the previous state; anything else is marshaled as-is.
type SetStateFunc func(update any)

// Handler processes one event read from the consumer's stream. Calling
// setState schedules a new state to be written atomically alongside the
// advanced position; a handler that never calls it just advances the
// position.
type Handler func(evt stream.Event, setState SetStateFunc) error

// checkpoint is the on-disk form of a consumer's durable cursor, named
// "<stream>.<consumer>.state" under the configured checkpoint directory.
type checkpoint struct {
	Position int64           `json:"position"`
	State    json.RawMessage `json:"state"`
}

// Consumer is a durable cursor bound to one read stream and consumer
// identifier. Dispatch is suspended until a handler is registered via
// Subscribe and suspends again once it is removed; only one handler may
// be active at a time, since position/state advancement is a property of
// the consumer, not of any one listener.
type Consumer struct {
	store      stream.Store
	streamName string
	id         string
	path       string
	log        *zap.SugaredLogger

	mu       sync.Mutex
	idx      *index.Index
	position int64
	state    json.RawMessage
	handler  Handler
	closed   bool

	appendToken uint64
	subscribed  bool

	onCaughtUp *events.Emitter[struct{}]
	onError    *events.Emitter[error]
}

func checkpointPath(opts *options.Options, streamName, consumerID string) string {
	return filepath.Join(opts.DataDir, opts.ConsumerOptions.CheckpointDir, streamName+"."+consumerID+".state")
}

// New opens (or creates, with initialState) a durable consumer over
// streamName. store must already have streamName registered.
func New(store stream.Store, opts *options.Options, log *zap.SugaredLogger, streamName, consumerID string, initialState any) (*Consumer, error) {
	if store == nil {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "store is required").
			WithField("store").WithRule("required")
	}
	if streamName == "" {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "stream name is required").
			WithField("streamName").WithRule("required")
	}
	if consumerID == "" {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "consumer id is required").
			WithField("consumerID").WithRule("required")
	}
	idx, ok := store.Stream(streamName)
	if !ok {
		return nil, errors.NewStreamNotFoundError(streamName)
	}
	if opts == nil || opts.ConsumerOptions == nil {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "options are required").
			WithField("opts").WithRule("required")
	}

	path := checkpointPath(opts, streamName, consumerID)
	if err := filesys.CreateDir(filepath.Dir(path), 0755, true); err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to create checkpoint directory").WithPath(path)
	}

	c := &Consumer{
		store:      store,
		streamName: streamName,
		id:         consumerID,
		path:       path,
		log:        log,
		idx:        idx,
		onCaughtUp: events.NewEmitter[struct{}](),
		onError:    events.NewEmitter[error](),
	}

	exists, err := filesys.Exists(path)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat checkpoint file").WithPath(path)
	}
	if !exists {
		initial, err := json.Marshal(initialState)
		if err != nil {
			return nil, errors.NewValidationError(err, errors.ErrorCodeInvalidInput, "initial state is not serializable").
				WithField("initialState")
		}
		c.state = initial
		return c, nil
	}

	raw, err := filesys.ReadFile(path)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to read checkpoint file").WithPath(path)
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeCorruptFile, "failed to parse checkpoint file").WithPath(path)
	}
	c.position = cp.Position
	c.state = cp.State
	return c, nil
}

// Position returns the consumer's last checkpointed position.
func (c *Consumer) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// State returns a defensive copy of the consumer's current state; callers
// cannot mutate the consumer's internal copy through the returned bytes.
func (c *Consumer) State() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(json.RawMessage(nil), c.state...)
}

// OnCaughtUp returns the emitter that fires once a drain pass has
// processed every entry committed as of when it started.
func (c *Consumer) OnCaughtUp() *events.Emitter[struct{}] { return c.onCaughtUp }

// OnError returns the emitter that fires when a handler or checkpoint
// write fails; an unhandled error stops dispatch.
func (c *Consumer) OnError() *events.Emitter[error] { return c.onError }

// Subscribe registers handler to receive every event from position+1
// onward and begins dispatching immediately. Only one handler may be
// active; Subscribe on a consumer that already has one fails. The
// returned func suspends dispatch.
func (c *Consumer) Subscribe(handler Handler) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.NewStorageError(nil, errors.ErrorCodeClosed, "subscribe on closed consumer")
	}
	if c.handler != nil {
		c.mu.Unlock()
		return nil, errors.NewValidationError(nil, errors.ErrorCodeInvalidInput, "consumer already has an active handler")
	}
	c.handler = handler
	c.subscribed = true
	c.appendToken = c.idx.OnAppend().Subscribe(func(index.AppendEvent) { c.drain() })
	c.mu.Unlock()

	c.drain()
	return c.unsubscribe, nil
}

func (c *Consumer) unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed {
		return
	}
	c.idx.OnAppend().Unsubscribe(c.appendToken)
	c.subscribed = false
	c.handler = nil
}

// drain reads every entry from position+1 through the stream's current
// length, in order, invoking the active handler for each, then emits
// caught-up once the pass reaches the head. It is a no-op if no handler
// is currently subscribed.
func (c *Consumer) drain() {
	for {
		c.mu.Lock()
		if c.closed || c.handler == nil {
			c.mu.Unlock()
			return
		}
		handler := c.handler
		next := c.position + 1
		c.mu.Unlock()

		entry, ok := c.idx.Get(next)
		if !ok {
			break
		}

		evt, ok, err := c.readEvent(entry)
		if err != nil {
			c.onError.Emit(err)
			if c.onError.Len() == 0 {
				c.unsubscribe()
			}
			return
		}
		if !ok {
			break
		}

		if err := c.dispatchOne(handler, evt); err != nil {
			c.onError.Emit(err)
			if c.onError.Len() == 0 {
				c.unsubscribe()
			}
			return
		}
	}

	c.onCaughtUp.Emit(struct{}{})
}

func (c *Consumer) readEvent(entry index.IndexEntry) (stream.Event, bool, error) {
	doc, ok, err := c.store.ReadDocument(entry)
	if err != nil {
		return stream.Event{}, false, err
	}
	if !ok {
		return stream.Event{}, false, nil
	}
	var envelope struct {
		Payload  any            `json:"payload"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.store.Serializer().Deserialize(doc, &envelope); err != nil {
		return stream.Event{}, false, errors.NewStorageError(err, errors.ErrorCodeInternal, "failed to decode event")
	}
	return stream.Event{Payload: envelope.Payload, Metadata: envelope.Metadata, StreamName: c.streamName}, true, nil
}

// dispatchOne runs handler over evt, then persists the advanced position
// (and, if the handler called setState, the new state) in a single
// atomic write, so a crash between handler turns can never leave the
// position ahead of the state it is checkpointed with.
func (c *Consumer) dispatchOne(handler Handler, evt stream.Event) error {
	var stateSet bool
	var newState json.RawMessage
	var stateErr error

	setState := func(update any) {
		var raw []byte
		var err error
		switch fn := update.(type) {
		case func(json.RawMessage) any:
			raw, err = json.Marshal(fn(c.State()))
		default:
			raw, err = json.Marshal(update)
		}
		if err != nil {
			stateErr = err
			return
		}
		stateSet = true
		newState = raw
	}

	if err := handler(evt, setState); err != nil {
		return err
	}
	if stateErr != nil {
		return errors.NewValidationError(stateErr, errors.ErrorCodeInvalidInput, "state is not serializable")
	}

	c.mu.Lock()
	position := c.position + 1
	state := c.state
	if stateSet {
		state = newState
	}

	data, err := json.Marshal(checkpoint{Position: position, State: state})
	if err != nil {
		c.mu.Unlock()
		return errors.NewValidationError(err, errors.ErrorCodeInvalidInput, "checkpoint is not serializable")
	}
	if err := filesys.AtomicWriteFile(c.path, 0644, data); err != nil {
		c.mu.Unlock()
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to persist checkpoint").WithPath(c.path)
	}

	c.position = position
	c.state = state
	c.mu.Unlock()

	c.log.Debugw("consumer advanced", "stream", c.streamName, "consumer", c.id, "position", position)
	return nil
}

// Reset rewinds the consumer to position (0 rewinds to the start),
// replacing state, and persists the new checkpoint immediately.
func (c *Consumer) Reset(state any, position int64) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.NewValidationError(err, errors.ErrorCodeInvalidInput, "state is not serializable")
	}

	data, err := json.Marshal(checkpoint{Position: position, State: raw})
	if err != nil {
		return errors.NewValidationError(err, errors.ErrorCodeInvalidInput, "checkpoint is not serializable")
	}
	if err := filesys.AtomicWriteFile(c.path, 0644, data); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to persist checkpoint").WithPath(c.path)
	}

	c.mu.Lock()
	c.position = position
	c.state = raw
	c.mu.Unlock()
	return nil
}

// Close suspends dispatch and releases the consumer's emitters. It does
// not delete the persisted checkpoint.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subscribed := c.subscribed
	token := c.appendToken
	c.subscribed = false
	c.handler = nil
	c.mu.Unlock()

	if subscribed {
		c.idx.OnAppend().Unsubscribe(token)
	}
	c.onCaughtUp.Close()
	c.onError.Close()
}
