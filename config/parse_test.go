package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/st31ny/smux/muxfile"
)

func TestParseFileSpecDefaultsToIO(t *testing.T) {
	def, err := ParseFileSpec("file:/tmp/foo")
	require.NoError(t, err)
	require.Equal(t, muxfile.IO, def.Mode)
	require.Equal(t, "file", def.Type)
	require.Equal(t, []string{"/tmp/foo"}, def.Args)
}

func TestParseFileSpecExplicitMode(t *testing.T) {
	def, err := ParseFileSpec("i:file:/tmp/foo:a")
	require.NoError(t, err)
	require.Equal(t, muxfile.In, def.Mode)
	require.Equal(t, "file", def.Type)
	require.Equal(t, []string{"/tmp/foo", "a"}, def.Args)
}

func TestParseFileSpecNoArgs(t *testing.T) {
	def, err := ParseFileSpec("o:stdio")
	require.NoError(t, err)
	require.Equal(t, muxfile.Out, def.Mode)
	require.Equal(t, "stdio", def.Type)
	require.Empty(t, def.Args)
}

func TestParseFileSpecRejectsUnknownMode(t *testing.T) {
	_, err := ParseFileSpec("x:file:/tmp/foo")
	require.Error(t, err)
}

func TestParseChannelSpec(t *testing.T) {
	id, def, err := ParseChannelSpec("42:i:file:/tmp/foo")
	require.NoError(t, err)
	require.Equal(t, ChannelID(42), id)
	require.Equal(t, muxfile.In, def.Mode)
}

func TestParseChannelSpecRejectsOutOfRange(t *testing.T) {
	_, _, err := ParseChannelSpec("300:file:/tmp/foo")
	require.Error(t, err)
}

func TestLoaderBuildsSymmetricChannel(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.AddMasterSpec("file:/tmp/master"))
	require.NoError(t, l.AddChannelSpec("5:file:/tmp/five"))

	cfg, err := l.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Master.IO)

	ch, ok := cfg.Channels[5]
	require.True(t, ok)
	require.Equal(t, Symmetric, ch.Type)
	require.NotNil(t, ch.IO)
}

func TestLoaderBuildsSeparateChannel(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.AddMasterSpec("file:/tmp/master"))
	require.NoError(t, l.AddChannelSpec("2:i:file:/tmp/in"))
	require.NoError(t, l.AddChannelSpec("2:o:file:/tmp/out"))

	cfg, err := l.Load()
	require.NoError(t, err)

	ch := cfg.Channels[2]
	require.Equal(t, Separate, ch.Type)
	require.NotNil(t, ch.In)
	require.NotNil(t, ch.Out)
}

func TestLoaderReadOnlyChannel(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.AddMasterSpec("file:/tmp/master"))
	require.NoError(t, l.AddChannelSpec("7:i:file:/tmp/in"))

	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, ReadOnly, cfg.Channels[7].Type)
}

func TestLoaderRequiresMaster(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.AddChannelSpec("1:file:/tmp/one"))
	_, err := l.Load()
	require.Error(t, err)
}
