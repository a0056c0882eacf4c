// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/vmcore/pkg/refs"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Machine flags.
	flagSet.Var(archPtr(pagetables.AMD64), "arch", "page table layout of the simulated machine: amd64 (default), i386-pae.")
	flagSet.Uint64("memory-size", 64<<20, "size in bytes of simulated physical memory.")
	flagSet.Uint64("base-paddr", pgalloc.DefaultBasePaddr, "physical address of the first page of simulated memory.")
	flagSet.Bool("randomize-mmap", false, "place regions at random addresses unless a workload step sets a placement.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Output flags.
	flagSet.String("metrics-out", "", "file path where metrics are written in Prometheus text format after the command completes.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x.Convert(f.Type))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags with default values are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// file is the format of a configuration file.
type file struct {
	// Flags holds flag values by flag name. They are applied as if given
	// on the command line.
	Flags map[string]string `toml:"flags"`
}

// ApplyFile sets the flags listed in the TOML file at path. Flags already
// set on the command line keep their value.
func ApplyFile(path string, flagSet *flag.FlagSet) error {
	var f file
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return fmt.Errorf("decoding %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys in %q: %v", path, undecoded)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		explicit[fl.Name] = true
	})
	names := make([]string, 0, len(f.Flags))
	for name := range f.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if flagSet.Lookup(name) == nil {
			return fmt.Errorf("unknown flag %q in %q", name, path)
		}
		if explicit[name] {
			continue
		}
		if err := flagSet.Set(name, f.Flags[name]); err != nil {
			return fmt.Errorf("setting flag %q from %q: %w", name, path, err)
		}
	}
	return nil
}
