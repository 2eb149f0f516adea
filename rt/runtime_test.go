package rt

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/st31ny/smux"
	"github.com/st31ny/smux/config"
	"github.com/st31ny/smux/muxfile"
)

// fakeRead is one canned response for fakeFile.Read, consumed in order.
type fakeRead struct {
	data []byte
	err  error
}

// fakeFile is a minimal muxfile.File used to drive readMaster/dispatchMaster
// and channel encode paths directly, without going through a real fd and
// select() loop. Reads not covered by an explicit fakeRead return EOF, like
// a source drained to completion.
type fakeFile struct {
	reads []fakeRead
	idx   int

	writes [][]byte

	// block, when true, makes Write behave like a sink that cannot accept
	// any more bytes right now (WriteFunc's n<=0, err=nil backpressure
	// case), instead of accepting everything unconditionally.
	block bool

	selectFDsCalls int
}

func (f *fakeFile) SelectFDs(*muxfile.FDSet, *muxfile.FDSet, *muxfile.FDSet, bool) {
	f.selectFDsCalls++
}
func (f *fakeFile) ReadEvent(int) bool  { return true }
func (f *fakeFile) WriteEvent(int) bool { return true }
func (f *fakeFile) ExceptEvent(int)     {}
func (f *fakeFile) Close() error        { return nil }

// FDs returns fixed placeholder descriptors: dispatchMaster/dispatchChannel
// only use them to check readiness against a caller-supplied FDSet in these
// tests, never to perform a real syscall.
func (f *fakeFile) FDs() (int, int) { return 0, 1 }

func (f *fakeFile) Read(buf []byte) (int, error) {
	if f.idx >= len(f.reads) {
		return 0, muxfile.EOF
	}
	r := f.reads[f.idx]
	f.idx++
	return copy(buf, r.data), r.err
}

func (f *fakeFile) Write(buf []byte) (int, error) {
	if f.block {
		return 0, nil
	}
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func newTestRuntime(t *testing.T, codec *smux.Codec) *Runtime {
	t.Helper()
	return &Runtime{
		codec:         codec,
		logger:        hclog.NewNullLogger(),
		channels:      map[config.ChannelID]*channelIO{},
		decodeScratch: make([]byte, scratchSize),
		shutdownR:     -1, shutdownW: -1,
		controlR: -1, controlW: -1,
	}
}

func TestChannelIOQueueAndCompact(t *testing.T) {
	ch := &channelIO{id: 3}
	require.Equal(t, 0, ch.pendingOut())

	ch.queue([]byte("hello"))
	require.Equal(t, 5, ch.pendingOut())

	ch.outPos = 5
	ch.queue([]byte("world"))
	require.Equal(t, "world", string(ch.outBuf))
	require.Equal(t, 5, ch.pendingOut())

	ch.outPos = 5
	ch.compact()
	require.Equal(t, 0, len(ch.outBuf))
	require.Equal(t, 0, ch.outPos)
}

func TestChannelIOCompactPartial(t *testing.T) {
	ch := &channelIO{id: 1, outBuf: []byte("abcdef"), outPos: 2}
	ch.compact()
	require.Equal(t, "cdef", string(ch.outBuf))
	require.Equal(t, 0, ch.outPos)
}

func TestNewBuildsSymmetricMasterAndChannels(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master")
	require.NoError(t, os.WriteFile(masterPath, nil, 0644))
	chanPath := filepath.Join(dir, "chan5")
	require.NoError(t, os.WriteFile(chanPath, nil, 0644))

	cfg := &config.Config{
		Master: config.MasterSpec{IO: &muxfile.Def{Type: "file", Mode: muxfile.IO, Args: []string{masterPath}}},
		Channels: map[config.ChannelID]config.ChannelSpec{
			5: {Type: config.Symmetric, IO: &muxfile.Def{Type: "file", Mode: muxfile.IO, Args: []string{chanPath}}},
		},
	}
	codec, err := smux.NewCodec(smux.DefaultConfig())
	require.NoError(t, err)

	runtime, err := New(cfg, muxfile.NewFactory(), codec, nil)
	require.NoError(t, err)
	require.NotNil(t, runtime.masterIn)
	require.Same(t, runtime.masterIn, runtime.masterOut)
	require.Len(t, runtime.channels, 1)
	require.Equal(t, []config.ChannelID{5}, runtime.channelIDs)

	runtime.closeAll()
}

func TestNewRejectsMissingMaster(t *testing.T) {
	cfg := &config.Config{Channels: map[config.ChannelID]config.ChannelSpec{}}
	codec, err := smux.NewCodec(smux.DefaultConfig())
	require.NoError(t, err)

	_, err = New(cfg, muxfile.NewFactory(), codec, nil)
	require.Error(t, err)
}

func TestRuntimeRoutesMasterInputToChannels(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master")
	wire := append([]byte("hello"), smux.DefaultESC, 0x05, 0x00, 0x03)
	wire = append(wire, "GO!"...)
	require.NoError(t, os.WriteFile(masterPath, wire, 0644))

	chan0Path := filepath.Join(dir, "chan0")
	chan5Path := filepath.Join(dir, "chan5")

	cfg := &config.Config{
		Master: config.MasterSpec{In: &muxfile.Def{Type: "file", Mode: muxfile.In, Args: []string{masterPath}}},
		Channels: map[config.ChannelID]config.ChannelSpec{
			0: {Out: &muxfile.Def{Type: "file", Mode: muxfile.Out, Args: []string{chan0Path}}},
			5: {Out: &muxfile.Def{Type: "file", Mode: muxfile.Out, Args: []string{chan5Path}}},
		},
	}
	codec, err := smux.NewCodec(smux.DefaultConfig())
	require.NoError(t, err)

	runtime, err := New(cfg, muxfile.NewFactory(), codec, nil)
	require.NoError(t, err)
	defer runtime.closeAll()

	err = runtime.readMaster()
	require.NoError(t, err)

	require.Equal(t, "hello", string(runtime.channels[0].outBuf))
	require.Equal(t, "GO!", string(runtime.channels[5].outBuf))

	runtime.writeChannel(runtime.channels[5])
	got, err := os.ReadFile(chan5Path)
	require.NoError(t, err)
	require.Equal(t, "GO!", string(got))
}

func TestRequestReattachReopensChannelFiles(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master")
	require.NoError(t, os.WriteFile(masterPath, nil, 0644))
	oldPath := filepath.Join(dir, "old")
	require.NoError(t, os.WriteFile(oldPath, nil, 0644))
	newPath := filepath.Join(dir, "new")
	require.NoError(t, os.WriteFile(newPath, []byte("fresh"), 0644))

	cfg := &config.Config{
		Master: config.MasterSpec{IO: &muxfile.Def{Type: "file", Mode: muxfile.IO, Args: []string{masterPath}}},
		Channels: map[config.ChannelID]config.ChannelSpec{
			3: {In: &muxfile.Def{Type: "file", Mode: muxfile.In, Args: []string{oldPath}}},
		},
	}
	codec, err := smux.NewCodec(smux.DefaultConfig())
	require.NoError(t, err)

	runtime, err := New(cfg, muxfile.NewFactory(), codec, nil)
	require.NoError(t, err)
	defer runtime.closeAll()

	factory := muxfile.NewFactory()
	newSpec := config.ChannelSpec{In: &muxfile.Def{Type: "file", Mode: muxfile.In, Args: []string{newPath}}}
	runtime.RequestReattach(3, factory, newSpec)

	queued := runtime.takeReattachQueue()
	require.Len(t, queued, 1)
	runtime.applyReattach(queued[0])

	buf := make([]byte, 16)
	n, err := runtime.channels[3].in.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "fresh", string(buf[:n]))
}

func TestRunStopsOnShutdown(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master")
	require.NoError(t, os.WriteFile(masterPath, nil, 0644))

	// A write-only master registers no descriptor while nothing is queued,
	// so only the shutdown pipe can wake the loop; an empty readable master
	// would make Run return on master EOF before Shutdown is called.
	cfg := &config.Config{
		Master:   config.MasterSpec{Out: &muxfile.Def{Type: "file", Mode: muxfile.Out, Args: []string{masterPath}}},
		Channels: map[config.ChannelID]config.ChannelSpec{},
	}
	codec, err := smux.NewCodec(smux.DefaultConfig())
	require.NoError(t, err)

	runtime, err := New(cfg, muxfile.NewFactory(), codec, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- runtime.Run() }()

	time.Sleep(20 * time.Millisecond)
	runtime.Shutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestReadMasterReturnsEOFOnMasterExhaustion(t *testing.T) {
	codec, err := smux.NewCodec(smux.DefaultConfig())
	require.NoError(t, err)

	runtime := newTestRuntime(t, codec)
	runtime.masterIn = &fakeFile{}

	err = runtime.readMaster()
	require.ErrorIs(t, err, muxfile.EOF)
}

func TestDispatchMasterExitsCleanlyOnMasterEOF(t *testing.T) {
	codec, err := smux.NewCodec(smux.DefaultConfig())
	require.NoError(t, err)

	runtime := newTestRuntime(t, codec)
	master := &fakeFile{}
	runtime.masterIn = master

	var readFDs, writeFDs, exceptFDs muxfile.FDSet
	readFDs.Set(0)
	err = runtime.dispatchMaster(&readFDs, &writeFDs, &exceptFDs)
	require.ErrorIs(t, err, muxfile.EOF)
}

func TestReadMasterPropagatesFatalReadError(t *testing.T) {
	codec, err := smux.NewCodec(smux.DefaultConfig())
	require.NoError(t, err)

	boom := smux.NewSystemError("read", stderrors.New("disk on fire"))
	runtime := newTestRuntime(t, codec)
	runtime.masterIn = &fakeFile{reads: []fakeRead{{err: boom}}}

	err = runtime.readMaster()
	require.Error(t, err)
	require.NotErrorIs(t, err, muxfile.EOF)
	require.ErrorIs(t, err, boom)
}

func TestDispatchMasterPropagatesFatalReadError(t *testing.T) {
	codec, err := smux.NewCodec(smux.DefaultConfig())
	require.NoError(t, err)

	boom := smux.NewSystemError("read", stderrors.New("disk on fire"))
	runtime := newTestRuntime(t, codec)
	runtime.masterIn = &fakeFile{reads: []fakeRead{{err: boom}}}

	var readFDs, writeFDs, exceptFDs muxfile.FDSet
	readFDs.Set(0)
	err = runtime.dispatchMaster(&readFDs, &writeFDs, &exceptFDs)
	require.Error(t, err)
	require.NotErrorIs(t, err, muxfile.EOF)
}

// TestChannelInputStallsWithoutDroppingBytes forces the write ring to
// stay saturated by never letting a channel's own encoding drain (the
// master out file refuses every write while block is set, and the ring
// is sized so a single Send fills it) and checks the unsent tail lands in pendingIn
// rather than being discarded, and that the fd-registration loop
// withholds the channel's read readiness while it is pending.
func TestChannelInputStallsWithoutDroppingBytes(t *testing.T) {
	codec, err := smux.NewCodec(smux.Config{
		ESC:             smux.DefaultESC,
		WriteBufferSize: 16,
		ReadBufferSize:  16,
	})
	require.NoError(t, err)

	runtime := newTestRuntime(t, codec)
	master := &fakeFile{block: true}
	runtime.masterOut = master

	chIn := &fakeFile{}
	ch := &channelIO{id: 7, in: chIn}
	runtime.channels[7] = ch
	runtime.channelIDs = []config.ChannelID{7}

	payload := []byte("this payload is longer than the tiny write ring")
	runtime.encodeChannel(ch, payload)

	require.NotEmpty(t, ch.pendingIn, "unsent tail must be retained, not dropped")
	require.LessOrEqual(t, len(ch.pendingIn), len(payload))

	var readFDs, writeFDs, exceptFDs muxfile.FDSet
	runtime.registerChannelSelectFDs(ch, &readFDs, &writeFDs, &exceptFDs)
	require.Equal(t, 0, chIn.selectFDsCalls, "channel read readiness must be withheld while pendingIn is non-empty")

	// The write ring can only drain once the master sink stops blocking.
	master.block = false
	for len(ch.pendingIn) > 0 {
		before := len(ch.pendingIn)
		_, err := runtime.codec.WriteOut(master.Write)
		require.NoError(t, err)
		runtime.flushPendingIn(ch)
		require.Less(t, len(ch.pendingIn), before, "flushPendingIn must make progress once the ring has room")
	}

	var flushed []byte
	for _, w := range master.writes {
		flushed = append(flushed, w...)
	}
	require.Greater(t, len(flushed), 0)
}

// TestEncodeChannelToleratesReceiveOnlyMaster covers a master configured
// with only an "in" file (New requires just one direction): encoding a
// channel's bytes must not panic on a nil masterOut, and the bytes should
// be considered delivered rather than left stuck in pendingIn forever.
func TestEncodeChannelToleratesReceiveOnlyMaster(t *testing.T) {
	codec, err := smux.NewCodec(smux.Config{
		ESC:             smux.DefaultESC,
		WriteBufferSize: 16,
		ReadBufferSize:  16,
	})
	require.NoError(t, err)

	runtime := newTestRuntime(t, codec)
	require.Nil(t, runtime.masterOut)

	ch := &channelIO{id: 4, in: &fakeFile{}}
	runtime.channels[4] = ch
	runtime.channelIDs = []config.ChannelID{4}

	payload := []byte("this payload is longer than the tiny write ring")
	require.NotPanics(t, func() { runtime.encodeChannel(ch, payload) })
	require.Empty(t, ch.pendingIn, "a receive-only master must not stall channel input")
}
