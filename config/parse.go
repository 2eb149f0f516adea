package config

import (
	"strconv"
	"strings"

	"github.com/st31ny/smux"
	"github.com/st31ny/smux/muxfile"
)

// ParseFileSpec parses "[mode:]type[:arg]*" into a muxfile.Def. mode is a
// single letter, "i" (In) or "o" (Out); omitting it means IO. Grounded on
// original_source/src/cnf_argv.cpp's parse_file_spec.
func ParseFileSpec(spec string) (muxfile.Def, error) {
	parts := strings.Split(spec, ":")
	if len(parts) == 0 || parts[0] == "" {
		return muxfile.Def{}, smux.NewConfigError("empty file specification")
	}

	mode := muxfile.IO
	rest := parts
	if len(parts[0]) == 1 {
		switch parts[0] {
		case "i":
			mode = muxfile.In
		case "o":
			mode = muxfile.Out
		default:
			return muxfile.Def{}, smux.NewConfigError("unknown file mode " + parts[0])
		}
		rest = parts[1:]
	}
	if len(rest) == 0 {
		return muxfile.Def{}, smux.NewConfigError("file specification missing type: " + spec)
	}

	return muxfile.Def{
		Type: rest[0],
		Mode: mode,
		Args: rest[1:],
	}, nil
}

// ParseChannelSpec parses "<id>:<file-spec>" into a channel id and its
// file definition. Grounded on
// original_source/src/cnf_argv.cpp's parse_channel_spec.
func ParseChannelSpec(spec string) (ChannelID, muxfile.Def, error) {
	delim := strings.IndexByte(spec, ':')
	if delim <= 0 {
		return 0, muxfile.Def{}, smux.NewConfigError("channel specification missing ':': " + spec)
	}
	n, err := strconv.Atoi(spec[:delim])
	if err != nil || n < 0 || n > 255 {
		return 0, muxfile.Def{}, smux.NewConfigError("invalid channel id in: " + spec)
	}
	def, err := ParseFileSpec(spec[delim+1:])
	if err != nil {
		return 0, muxfile.Def{}, err
	}
	return ChannelID(n), def, nil
}

// Loader accumulates channel and master file specifications into a
// resolved Config. Grounded on original_source/src/cnf_argv.cpp's
// cnf_argv::parse loop, restated as an explicit builder instead of an
// argv walker so it can be driven by cobra/pflag flags.
type Loader struct {
	cfg *Config
}

// NewLoader returns an empty Loader.
func NewLoader() *Loader {
	return &Loader{cfg: newConfig()}
}

// AddMasterSpec parses spec and merges it into the master transport
// definition.
func (l *Loader) AddMasterSpec(spec string) error {
	def, err := ParseFileSpec(spec)
	if err != nil {
		return err
	}
	l.mergeMaster(def)
	return nil
}

func (l *Loader) mergeMaster(def muxfile.Def) {
	d := def
	switch def.Mode {
	case muxfile.IO:
		l.cfg.Master.IO = &d
	case muxfile.In:
		l.cfg.Master.In = &d
	case muxfile.Out:
		l.cfg.Master.Out = &d
	}
}

// AddChannelSpec parses spec ("<id>:<file-spec>") and merges it into that
// channel's definition.
func (l *Loader) AddChannelSpec(spec string) error {
	id, def, err := ParseChannelSpec(spec)
	if err != nil {
		return err
	}
	ch := l.cfg.channel(id)
	d := def
	switch def.Mode {
	case muxfile.IO:
		ch.IO = &d
	case muxfile.In:
		ch.In = &d
	case muxfile.Out:
		ch.Out = &d
	}
	l.cfg.setChannel(id, *ch)
	return nil
}

// Load validates and returns the accumulated Config. It fails if no
// master transport was configured, matching cnf::master() requiring a
// file to have been set before use.
func (l *Loader) Load() (*Config, error) {
	m := l.cfg.Master
	if m.IO == nil && m.In == nil && m.Out == nil {
		return nil, smux.NewConfigError("no master file configured")
	}
	return l.cfg, nil
}
