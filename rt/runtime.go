// Package rt implements the single-threaded, select()-driven runtime
// loop that pumps bytes between a master transport and per-channel
// files through a smux.Codec.
//
// Grounded on original_source/src/rt.{h,cpp}: half-channels, the
// self-pipe shutdown trick, and the readiness-multiplexed main loop.
package rt

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/st31ny/smux"
	"github.com/st31ny/smux/config"
	"github.com/st31ny/smux/muxfile"
)

const scratchSize = 4096

// channelIO is the per-channel half-channel pair: the file bytes are
// read from (forwarded onto the wire under this channel's id) and the
// file decoded bytes for this channel are written to. Either may be nil,
// and both may point at the same File for a symmetric channel. Grounded
// on original_source/src/rt.h's channel{in, out}.
type channelIO struct {
	id  config.ChannelID
	in  muxfile.File
	out muxfile.File

	outBuf []byte
	outPos int

	// pendingIn holds bytes already read from in but not yet accepted by
	// Codec.Send because the master write ring was full. The runtime
	// must not drop them (spec.md §4.7 step 3.b); they are retried each
	// iteration, and the channel's read readiness is withheld while this
	// is non-empty so no further bytes pile up behind them.
	pendingIn []byte
}

func (c *channelIO) pendingOut() int {
	if c == nil {
		return 0
	}
	return len(c.outBuf) - c.outPos
}

func (c *channelIO) queue(p []byte) {
	if len(p) == 0 {
		return
	}
	if c.outPos > 0 && c.outPos == len(c.outBuf) {
		c.outBuf = c.outBuf[:0]
		c.outPos = 0
	}
	c.outBuf = append(c.outBuf, p...)
}

func (c *channelIO) compact() {
	if c.outPos == 0 {
		return
	}
	if c.outPos == len(c.outBuf) {
		c.outBuf = c.outBuf[:0]
		c.outPos = 0
		return
	}
	n := copy(c.outBuf, c.outBuf[c.outPos:])
	c.outBuf = c.outBuf[:n]
	c.outPos = 0
}

// Runtime owns the codec, the master transport and every configured
// channel's files, and drives them all from one select() loop.
type Runtime struct {
	codec  *smux.Codec
	logger hclog.Logger

	masterIn  muxfile.File
	masterOut muxfile.File

	channels   map[config.ChannelID]*channelIO
	channelIDs []config.ChannelID

	decodeScratch []byte

	shutdownR, shutdownW int
	controlR, controlW   int
	closed               bool

	// reattachMu guards reattachQueue, the only state Runtime shares with
	// goroutines other than the one running Run(). Signal handlers or
	// other callers append to it via RequestReattach and wake the loop
	// through the control self-pipe; Run() drains the queue and applies
	// every request itself, so channelIO and the codec are only ever
	// touched from the loop goroutine.
	reattachMu    sync.Mutex
	reattachQueue []reattachRequest
}

type reattachRequest struct {
	id      config.ChannelID
	factory *muxfile.Factory
	spec    config.ChannelSpec
}

// New builds a Runtime from a resolved configuration, a file factory
// used to instantiate the master and channel files, and a codec the
// runtime does not own the lifetime of (callers may inspect it after
// Run returns).
func New(cfg *config.Config, factory *muxfile.Factory, codec *smux.Codec, logger hclog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := &Runtime{
		codec:         codec,
		logger:        logger.Named("rt"),
		channels:      map[config.ChannelID]*channelIO{},
		decodeScratch: make([]byte, scratchSize),
		shutdownR:     -1,
		shutdownW:     -1,
		controlR:      -1,
		controlW:      -1,
	}

	var err error
	r.masterIn, r.masterOut, err = buildPair(factory, cfg.Master.IO, cfg.Master.In, cfg.Master.Out)
	if err != nil {
		return nil, errors.Wrap(err, "master file")
	}
	if r.masterIn == nil && r.masterOut == nil {
		return nil, smux.NewConfigError("master transport has neither a readable nor writable file")
	}
	if r.masterIn == nil {
		r.logger.Warn("no master read file: cannot receive data")
	}
	if r.masterOut == nil {
		r.logger.Warn("no master write file: cannot transmit data")
	}

	for id, spec := range cfg.Channels {
		in, out, err := buildPair(factory, spec.IO, spec.In, spec.Out)
		if err != nil {
			return nil, errors.Wrapf(err, "channel %d file", id)
		}
		r.channels[id] = &channelIO{id: id, in: in, out: out}
		r.channelIDs = append(r.channelIDs, id)
	}
	sort.Slice(r.channelIDs, func(i, j int) bool { return r.channelIDs[i] < r.channelIDs[j] })

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, errors.Wrap(err, "self-pipe")
	}
	r.shutdownR, r.shutdownW = fds[0], fds[1]

	if err := unix.Pipe(fds); err != nil {
		return nil, errors.Wrap(err, "control pipe")
	}
	r.controlR, r.controlW = fds[0], fds[1]

	return r, nil
}

func buildPair(factory *muxfile.Factory, io, in, out *muxfile.Def) (inFile, outFile muxfile.File, err error) {
	if io != nil {
		f, err := factory.Create(*io)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	}
	if in != nil {
		inFile, err = factory.Create(*in)
		if err != nil {
			return nil, nil, err
		}
	}
	if out != nil {
		outFile, err = factory.Create(*out)
		if err != nil {
			return nil, nil, err
		}
	}
	return inFile, outFile, nil
}

// Shutdown asks the runtime to stop after finishing the current
// iteration. Safe to call from a signal handler or another goroutine;
// it never blocks on the runtime's own state.
func (r *Runtime) Shutdown() {
	if r.shutdownW < 0 {
		return
	}
	_, _ = unix.Write(r.shutdownW, []byte{0})
}

// RunContext runs the loop until ctx is done, an unrecoverable error
// occurs, or Shutdown is called. Cancelling ctx is translated into a
// Shutdown call from a background goroutine.
func (r *Runtime) RunContext(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.Shutdown()
		case <-done:
		}
	}()
	return r.Run()
}

// Run blocks, pumping bytes between the master transport and configured
// channels, until Shutdown is called or an unrecoverable error occurs.
func (r *Runtime) Run() error {
	defer r.closeAll()
	r.logger.Info("entering main loop")

	scratch := make([]byte, scratchSize)

	for !r.closed {
		var readFDs, writeFDs, exceptFDs muxfile.FDSet
		readFDs.Set(r.shutdownR)
		readFDs.Set(r.controlR)

		masterWritable := r.masterOut != nil && r.codec.WritePending() > 0
		if r.masterIn != nil {
			r.masterIn.SelectFDs(&readFDs, &writeFDs, &exceptFDs, false)
		}
		if r.masterOut != nil {
			r.masterOut.SelectFDs(&readFDs, &writeFDs, &exceptFDs, masterWritable)
		}
		for _, id := range r.channelIDs {
			r.registerChannelSelectFDs(r.channels[id], &readFDs, &writeFDs, &exceptFDs)
		}

		nfds := readFDs.Max()
		if m := writeFDs.Max(); m > nfds {
			nfds = m
		}
		if m := exceptFDs.Max(); m > nfds {
			nfds = m
		}

		_, err := unix.Select(nfds+1, readFDs.Raw(), writeFDs.Raw(), exceptFDs.Raw(), nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "select")
		}

		if readFDs.IsSet(r.shutdownR) {
			r.logger.Debug("shutdown pipe signalled")
			r.drainShutdownPipe()
			break
		}

		if readFDs.IsSet(r.controlR) {
			r.drainControlPipe()
			for _, req := range r.takeReattachQueue() {
				r.applyReattach(req)
			}
		}

		if err := r.dispatchMaster(&readFDs, &writeFDs, &exceptFDs); err != nil {
			if err == muxfile.EOF {
				break
			}
			return err
		}
		for _, id := range r.channelIDs {
			r.dispatchChannel(r.channels[id], &readFDs, &writeFDs, &exceptFDs, scratch)
		}
	}

	r.logger.Info("leaving main loop")
	return nil
}

// RequestReattach asks the loop goroutine to close channel id's current
// files and reopen them from spec via factory, without stopping the main
// loop or touching any other channel. Safe to call from a signal handler
// or another goroutine, like Shutdown; the request is queued and applied
// from inside Run(), so it never races the loop's own channel bookkeeping.
//
// Applying the request resets the codec's decoder state
// (smux.Codec.ResetDecoder), since a reattached channel's peer may have
// restarted mid-frame; SMUX's stateless wire format makes that safe.
// Grounded on SPEC_FULL.md §5.5's config-reload note.
func (r *Runtime) RequestReattach(id config.ChannelID, factory *muxfile.Factory, spec config.ChannelSpec) {
	r.reattachMu.Lock()
	r.reattachQueue = append(r.reattachQueue, reattachRequest{id: id, factory: factory, spec: spec})
	r.reattachMu.Unlock()

	if r.controlW < 0 {
		return
	}
	_, _ = unix.Write(r.controlW, []byte{1})
}

func (r *Runtime) takeReattachQueue() []reattachRequest {
	r.reattachMu.Lock()
	defer r.reattachMu.Unlock()
	if len(r.reattachQueue) == 0 {
		return nil
	}
	q := r.reattachQueue
	r.reattachQueue = nil
	return q
}

func (r *Runtime) applyReattach(req reattachRequest) {
	in, out, err := buildPair(req.factory, req.spec.IO, req.spec.In, req.spec.Out)
	if err != nil {
		r.logger.Error("channel reattach failed", "channel", req.id, "error", err)
		return
	}

	old, existed := r.channels[req.id]
	r.channels[req.id] = &channelIO{id: req.id, in: in, out: out}
	if !existed {
		r.channelIDs = append(r.channelIDs, req.id)
		sort.Slice(r.channelIDs, func(i, j int) bool { return r.channelIDs[i] < r.channelIDs[j] })
	}
	if existed {
		if old.in != nil && old.in != in && old.in != out {
			_ = old.in.Close()
		}
		if old.out != nil && old.out != out && old.out != in {
			_ = old.out.Close()
		}
	}

	r.codec.ResetDecoder()
	r.logger.Info("channel reattached", "channel", req.id)
}

func (r *Runtime) drainShutdownPipe() {
	var b [64]byte
	for {
		n, err := unix.Read(r.shutdownR, b[:])
		if err != nil || n < len(b) {
			return
		}
	}
}

func (r *Runtime) drainControlPipe() {
	var b [64]byte
	for {
		n, err := unix.Read(r.controlR, b[:])
		if err != nil || n < len(b) {
			return
		}
	}
}

// dispatchMaster handles the master half-channel's read and write
// readiness. A non-nil, non-muxfile.EOF error is fatal for the whole
// runtime (spec.md §4.7: "error from the master's read_in ⇒ fatal, loop
// exits"); muxfile.EOF signals a clean shutdown, mirroring
// original_source/src/rt.cpp's "master_in->fl->eof() -> return".
func (r *Runtime) dispatchMaster(readFDs, writeFDs, exceptFDs *muxfile.FDSet) error {
	if r.masterIn != nil {
		rfd, _ := r.masterIn.FDs()
		if rfd >= 0 && readFDs.IsSet(rfd) && r.masterIn.ReadEvent(rfd) {
			if err := r.readMaster(); err != nil {
				return err
			}
		}
		if rfd >= 0 && exceptFDs.IsSet(rfd) {
			r.masterIn.ExceptEvent(rfd)
		}
	}
	if r.masterOut != nil {
		_, wfd := r.masterOut.FDs()
		if wfd >= 0 && writeFDs.IsSet(wfd) && r.masterOut.WriteEvent(wfd) {
			if _, err := r.codec.WriteOut(r.masterOut.Write); err != nil {
				r.logger.Error("master write failed", "error", err)
			}
		}
	}
	return nil
}

// readMaster fills the decoder from the master input and fans out every
// decoded frame to its channel's out_queue. It returns muxfile.EOF once
// the master input is exhausted (after draining whatever the decoder
// already has buffered) and any other error is a fatal read failure —
// both per spec.md §4.7's step 3.b and failure-semantics table.
func (r *Runtime) readMaster() error {
	_, err := r.codec.ReadIn(r.masterIn.Read)
	if err != nil && err != muxfile.EOF {
		return errors.Wrap(err, "master read_in failed")
	}

	for {
		var ch uint8
		got := r.codec.Recv(&ch, r.decodeScratch)
		if got == 0 {
			break
		}
		r.deliver(ch, r.decodeScratch[:got])
	}

	if err == muxfile.EOF {
		r.logger.Info("eof on master in, exiting main loop")
		return muxfile.EOF
	}
	return nil
}

func (r *Runtime) deliver(ch config.ChannelID, data []byte) {
	c, ok := r.channels[ch]
	if !ok || c.out == nil {
		r.logger.Warn("ignoring data for unmapped channel", "channel", ch, "bytes", len(data))
		return
	}
	c.queue(data)
}

// registerChannelSelectFDs registers ch's descriptors for the next select()
// wait. Its read descriptor is withheld while ch.pendingIn is non-empty, so
// no further bytes are read from a channel that is already stalled waiting
// for the master write ring to drain (spec.md §4.7 step 3.b).
func (r *Runtime) registerChannelSelectFDs(ch *channelIO, readFDs, writeFDs, exceptFDs *muxfile.FDSet) {
	if ch.in != nil && len(ch.pendingIn) == 0 {
		ch.in.SelectFDs(readFDs, writeFDs, exceptFDs, false)
	}
	if ch.out != nil {
		ch.out.SelectFDs(readFDs, writeFDs, exceptFDs, ch.pendingOut() > 0)
	}
}

func (r *Runtime) dispatchChannel(ch *channelIO, readFDs, writeFDs, exceptFDs *muxfile.FDSet, scratch []byte) {
	if len(ch.pendingIn) > 0 {
		r.flushPendingIn(ch)
	}
	if ch.in != nil {
		rfd, _ := ch.in.FDs()
		if rfd >= 0 && readFDs.IsSet(rfd) && ch.in.ReadEvent(rfd) {
			r.readChannel(ch, scratch)
		}
		if rfd >= 0 && exceptFDs.IsSet(rfd) {
			ch.in.ExceptEvent(rfd)
		}
	}
	if ch.out != nil {
		_, wfd := ch.out.FDs()
		if wfd >= 0 && writeFDs.IsSet(wfd) && ch.out.WriteEvent(wfd) {
			r.writeChannel(ch)
		}
	}
}

func (r *Runtime) readChannel(ch *channelIO, scratch []byte) {
	n, err := ch.in.Read(scratch)
	if err != nil {
		if err == muxfile.EOF {
			r.logger.Info("eof on channel in", "channel", ch.id)
			return
		}
		r.logger.Error("channel read failed", "channel", ch.id, "error", err)
		return
	}
	r.encodeChannel(ch, scratch[:n])
}

// masterSink returns the WriteFunc used to drain the codec's write ring
// towards the master transport. A master configured without a write
// direction is valid input (New only requires one direction); bytes sent
// to it are discarded and reported as written, mirroring
// original_source/src/rt.cpp's no-op write_fn for an absent master_out —
// the write half is simply absent, not a fault any channel should stall
// or fail on.
func (r *Runtime) masterSink() smux.WriteFunc {
	if r.masterOut == nil {
		return func(p []byte) (int, error) { return len(p), nil }
	}
	return r.masterOut.Write
}

// encodeChannel sends p onto ch's virtual channel. It must not drop
// bytes: if the write ring stays saturated after one WriteOut-triggered
// drain attempt, the unsent tail is copied into ch.pendingIn and retried
// on later iterations (see flushPendingIn), and the runtime withholds
// this channel's read readiness (in Run's fd-registration loop) until
// pendingIn empties again — the "stall by withholding read readiness"
// policy spec.md §4.7 step 3.b calls for.
func (r *Runtime) encodeChannel(ch *channelIO, p []byte) {
	off := 0
	for off < len(p) {
		k := r.codec.Send(ch.id, p[off:])
		if k == 0 {
			if _, err := r.codec.WriteOut(r.masterSink()); err != nil {
				r.logger.Error("master write failed while draining for send", "error", err)
				break
			}
			k = r.codec.Send(ch.id, p[off:])
			if k == 0 {
				break
			}
		}
		off += k
	}
	if off == len(p) {
		return
	}
	ch.pendingIn = append([]byte(nil), p[off:]...)
	r.logger.Debug("stalling channel input, write ring saturated", "channel", ch.id, "bytes", len(ch.pendingIn))
}

// flushPendingIn retries encoding bytes a previous encodeChannel call
// could not fit into the write ring. Called once per loop iteration for
// every channel with a non-empty pendingIn, before that channel's own
// read event (if any) is dispatched.
func (r *Runtime) flushPendingIn(ch *channelIO) {
	p := ch.pendingIn
	off := 0
	for off < len(p) {
		k := r.codec.Send(ch.id, p[off:])
		if k == 0 {
			break
		}
		off += k
	}
	if off == len(p) {
		ch.pendingIn = nil
		return
	}
	ch.pendingIn = p[off:]
}

func (r *Runtime) writeChannel(ch *channelIO) {
	pending := ch.outBuf[ch.outPos:]
	if len(pending) == 0 {
		return
	}
	n, err := ch.out.Write(pending)
	if err != nil {
		r.logger.Error("channel write failed", "channel", ch.id, "error", err)
		return
	}
	ch.outPos += n
	ch.compact()
}

func (r *Runtime) closeAll() {
	closed := map[muxfile.File]bool{}
	closeOnce := func(f muxfile.File) {
		if f == nil || closed[f] {
			return
		}
		closed[f] = true
		if err := f.Close(); err != nil {
			r.logger.Warn("close failed", "error", err)
		}
	}
	closeOnce(r.masterIn)
	closeOnce(r.masterOut)
	for _, id := range r.channelIDs {
		ch := r.channels[id]
		closeOnce(ch.in)
		closeOnce(ch.out)
	}
	if r.shutdownR >= 0 {
		_ = unix.Close(r.shutdownR)
	}
	if r.shutdownW >= 0 {
		_ = unix.Close(r.shutdownW)
	}
	if r.controlR >= 0 {
		_ = unix.Close(r.controlR)
	}
	if r.controlW >= 0 {
		_ = unix.Close(r.controlW)
	}
	r.closed = true
}
