package stream

import (
	"context"
	"log/slog"
	"slices"

	"github.com/parleyhq/parley/internal/graph"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/store"
)

// Persister stores the outcome of a run and returns the id of the checkpoint
// it wrote, if any. It runs on a context that outlives the consumer.
type Persister func(ctx context.Context, res *graph.Result) (checkpointID string, err error)

type Options struct {
	// Modes selects the intermediate frames. Empty means buffered: only the
	// terminal frame is written.
	Modes    []Mode
	ThreadID string
	// ParentCheckpointID tags intermediate frames with the state they build on.
	ParentCheckpointID string
	Metrics            *observability.Metrics
	Logger             *slog.Logger
}

// Outcome is the result of one emitted turn.
type Outcome struct {
	Result       *graph.Result
	CheckpointID string
	// Terminal is the frame that ended the stream. Nil when cancelled.
	Terminal *Frame
	// Err is the error reported by the terminal frame, or ErrCancelled.
	Err error
}

type emitter struct {
	w         Writer
	opts      Options
	composite bool
	seq       int
	writeErr  error
}

// Run executes g over input, streams its events to w, persists the outcome
// through persist and finally writes exactly one terminal frame: the final
// message, or an error. Persistence happens even when the consumer is gone.
func Run(ctx context.Context, g *graph.Graph, input store.ChannelValues, w Writer, opts Options, persist Persister) *Outcome {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &emitter{w: w, opts: opts, composite: len(opts.Modes) > 1}

	res := g.Run(ctx, input, e.onEvent)
	out := &Outcome{Result: res}

	if persist != nil {
		cpID, err := persist(context.WithoutCancel(ctx), res)
		out.CheckpointID = cpID
		if err != nil {
			opts.Logger.Error("failed to persist turn", "thread", opts.ThreadID, "status", res.Status, "error", err)
			out.Err = err
			out.Terminal = ErrorFrame(err, opts.ThreadID, opts.ParentCheckpointID)
			e.write(out.Terminal)
			return out
		}
	}

	switch res.Status {
	case graph.StatusCompleted:
		out.Terminal = CompleteFrame(res.Message, opts.ThreadID, out.CheckpointID)
	case graph.StatusCancelled:
		out.Err = ErrCancelled
		return out
	default:
		out.Err = res.Err
		out.Terminal = ErrorFrame(res.Err, opts.ThreadID, opts.ParentCheckpointID)
	}
	if e.writeErr != nil {
		out.Err = ErrCancelled
		out.Terminal = nil
		return out
	}
	e.write(out.Terminal)
	return out
}

func (e *emitter) enabled(m Mode) bool {
	return slices.Contains(e.opts.Modes, m)
}

func (e *emitter) onEvent(ev graph.Event) bool {
	var f *Frame
	switch ev.Kind {
	case graph.EventDelta:
		if e.enabled(ModeMessages) {
			f = &Frame{Kind: KindMessageDelta, Payload: DeltaPayload{Content: ev.Delta}, Mode: ModeMessages}
		}
	case graph.EventToolCall:
		if e.enabled(ModeMessages) {
			f = &Frame{Kind: KindToolCall, Payload: ev.ToolCall, Mode: ModeMessages}
		}
	case graph.EventToolResult:
		if e.enabled(ModeMessages) {
			f = &Frame{Kind: KindToolResult, Payload: ev.Message, Mode: ModeMessages}
		}
	case graph.EventState:
		if e.enabled(ModeValues) {
			f = &Frame{Kind: KindStateSnapshot, Payload: ev.State, Mode: ModeValues}
		}
	}
	if f == nil {
		return true
	}
	if !e.composite {
		f.Mode = ""
	}
	f.ThreadID = e.opts.ThreadID
	f.CheckpointID = e.opts.ParentCheckpointID
	return e.write(f)
}

func (e *emitter) write(f *Frame) bool {
	if e.writeErr != nil {
		return false
	}
	e.seq++
	f.Seq = e.seq
	if err := e.w.WriteFrame(f); err != nil {
		e.writeErr = err
		e.opts.Logger.Debug("consumer went away", "thread", e.opts.ThreadID, "error", err)
		return false
	}
	e.opts.Metrics.Frame(string(f.Kind))
	return true
}
