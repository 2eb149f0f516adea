// Package config models the static wiring between virtual channels and
// concrete files: which file backs channel N, in which direction, and
// what kind of channel it is. Grounded on original_source/src/cnf.h.
package config

import "github.com/st31ny/smux/muxfile"

// ChannelID identifies one of the protocol's 256 virtual channels.
type ChannelID = uint8

// ChannelType classifies how a channel's file(s) are wired, mirroring
// original_source/src/cnf.h's channel_type enum.
type ChannelType int

const (
	// None marks a channel with no file attached yet.
	None ChannelType = iota
	// Symmetric channels use one file for both directions.
	Symmetric
	// Separate channels use distinct files for in and out.
	Separate
	// ReadOnly channels only ever produce data (in only).
	ReadOnly
	// WriteOnly channels only ever consume data (out only).
	WriteOnly
)

func (t ChannelType) String() string {
	switch t {
	case Symmetric:
		return "symmetric"
	case Separate:
		return "separate"
	case ReadOnly:
		return "read_only"
	case WriteOnly:
		return "write_only"
	default:
		return "none"
	}
}

// ChannelSpec is the static description of one channel's files:
// either IO, or In and/or Out, is normally populated, and Type is
// derived from which are set (IO takes precedence if a spec sets it
// alongside In or Out). Mirrors original_source/src/cnf.h's cnf::channel.
type ChannelSpec struct {
	Type ChannelType
	IO   *muxfile.Def
	In   *muxfile.Def
	Out  *muxfile.Def
}

// deriveType computes Type from which of IO/In/Out are populated,
// matching the combinations original_source/src/cnf.cpp's setters
// produce (a channel accumulates either an IO def, or an In and/or Out
// def, never a mix of IO with In/Out).
func (c *ChannelSpec) deriveType() {
	switch {
	case c.IO != nil:
		c.Type = Symmetric
	case c.In != nil && c.Out != nil:
		c.Type = Separate
	case c.In != nil:
		c.Type = ReadOnly
	case c.Out != nil:
		c.Type = WriteOnly
	default:
		c.Type = None
	}
}

// MasterSpec is the static description of the master transport's
// file(s): the byte pipe the codec's encoded wire format actually
// travels over.
type MasterSpec struct {
	IO  *muxfile.Def
	In  *muxfile.Def
	Out *muxfile.Def
}

// Config is the fully resolved static configuration: the master
// transport plus every configured channel, matching the
// "MasterSpec + map[ChannelID]ChannelSpec" value spec.md §6 names.
type Config struct {
	Master   MasterSpec
	Channels map[ChannelID]ChannelSpec
}

func newConfig() *Config {
	return &Config{Channels: map[ChannelID]ChannelSpec{}}
}

func (c *Config) channel(id ChannelID) *ChannelSpec {
	ch, ok := c.Channels[id]
	if !ok {
		ch = ChannelSpec{}
	}
	return &ch
}

func (c *Config) setChannel(id ChannelID, ch ChannelSpec) {
	ch.deriveType()
	c.Channels[id] = ch
}
