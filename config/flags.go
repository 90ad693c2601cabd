// flags.go is cmd/spaced's flag surface:
// --layout/--oseg*/--capacity override whatever the config file and
// environment already set, applied last so the command line always wins.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirikata/spaced/cmn/cos"
)

// Flags holds the subset of Config overridable directly from argv,
// registered against a *flag.FlagSet so cmd/spaced and tests can each
// own their own FlagSet rather than fighting over the package-global one.
type Flags struct {
	ConfigPath string
	Self       uint
	Layout     string // "1=host1:7777,2=host2:7777"
	OSegPath   string
	OSegHost   string
	OSegPort   int
	OSegPrefix string
	Capacity   float64
}

// Register adds every flag to fs using lower-case, hyphenated names with
// a one-line usage string.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.ConfigPath, "config", "", "path to the JSON config file")
	fs.UintVar(&f.Self, "self", 0, "this server's id (overrides config/env)")
	fs.StringVar(&f.Layout, "layout", "", "comma-separated id=host:port server layout")
	fs.StringVar(&f.OSegPath, "oseg", "", "OSeg BuntDB backing-store path")
	fs.StringVar(&f.OSegHost, "oseg-host", "", "OSeg Redis-compatible store host (when set, used instead of BuntDB)")
	fs.IntVar(&f.OSegPort, "oseg-port", 0, "OSeg backing-store port")
	fs.StringVar(&f.OSegPrefix, "oseg-prefix", "", "OSeg directory key prefix")
	fs.Float64Var(&f.Capacity, "capacity", 0, "inbound bytes/sec capacity budget")
}

// Apply overrides c's fields from whichever flags were actually set on
// fs, leaving untouched fields (file/env values) alone.
func (f *Flags) Apply(fs *flag.FlagSet, c *Config) error {
	var err error
	fs.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		switch fl.Name {
		case "self":
			c.Self = cos.ServerID(f.Self)
		case "layout":
			var layout []ServerAddr
			layout, err = parseLayout(f.Layout)
			if err == nil {
				c.Layout = layout
			}
		case "oseg":
			c.OSeg.Path = f.OSegPath
		case "oseg-host":
			c.OSeg.Host = f.OSegHost
		case "oseg-port":
			c.OSeg.Port = f.OSegPort
		case "oseg-prefix":
			c.OSeg.Prefix = f.OSegPrefix
		case "capacity":
			c.Capacity = f.Capacity
		}
	})
	return err
}

// parseLayout decodes "1=host:port,2=host:port,..." into []ServerAddr.
func parseLayout(s string) ([]ServerAddr, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]ServerAddr, 0, len(parts))
	for _, p := range parts {
		idStr, hostport, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("config: malformed layout entry %q (want id=host:port)", p)
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: malformed layout id in %q: %w", p, err)
		}
		host, portStr, ok := strings.Cut(hostport, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed layout host:port in %q", p)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: malformed layout port in %q: %w", p, err)
		}
		out = append(out, ServerAddr{ID: cos.ServerID(id), Host: host, Port: port})
	}
	return out, nil
}
