// Package config reads the process-wide tunables once at startup.
//
// Values come from the environment. Optional dotenv files fill in variables the
// environment does not set, so an exported variable always wins.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Environment variable names.
const (
	EnvSaveDecomps   = "PIO_Save_Decomps"
	EnvSwapm         = "PIO_SWAPM"
	EnvCNBufferLimit = "PIO_CNBUFFER_LIMIT"
	EnvLogLevel      = "PIO_LOG_LEVEL"
)

// Defaults for values not present in the environment.
const (
	DefaultCNBufferLimit   = 33554432 * datasize.B
	DefaultBufferSizeLimit = 10485760 * datasize.B
)

// Swapm holds the exchange defaults copied into every new decomposition.
type Swapm struct {
	// NReqs bounds the outstanding requests of one exchange; 0 is unbounded.
	NReqs     int
	Handshake bool
	ISend     bool
}

// Tunables is the configuration read once per process.
type Tunables struct {
	Swapm           Swapm
	CNBufferLimit   datasize.ByteSize
	BufferSizeLimit datasize.ByteSize
	LogLevel        int
	SaveDecomps     bool
}

// Default returns the tunables used when nothing is set.
func Default() Tunables {
	return Tunables{
		CNBufferLimit:   DefaultCNBufferLimit,
		BufferSizeLimit: DefaultBufferSizeLimit,
	}
}

// Lookup returns the value of a variable and whether it is set.
type Lookup func(key string) (string, bool)

// Load builds the tunables from lookup.
func Load(lookup Lookup) (Tunables, error) {
	t := Default()

	if v, ok := lookup(EnvSaveDecomps); ok && v == "true" {
		t.SaveDecomps = true
	}

	if v, ok := lookup(EnvSwapm); ok {
		swapm, err := ParseSwapm(v)
		if err != nil {
			return t, err
		}
		t.Swapm = swapm
	}

	if v, ok := lookup(EnvCNBufferLimit); ok {
		limit, err := ParseLimit(v)
		if err != nil {
			return t, fmt.Errorf("%s: %w", EnvCNBufferLimit, err)
		}
		t.CNBufferLimit = limit
	}

	if v, ok := lookup(EnvLogLevel); ok {
		level, err := cast.ToIntE(leadingInt(v))
		if err != nil {
			return t, fmt.Errorf("%s: %w", EnvLogLevel, err)
		}
		t.LogLevel = level
	}

	return t, nil
}

// FromEnv loads the tunables from the process environment, falling back to the
// given dotenv files for unset variables. Missing files are ignored.
func FromEnv(files ...string) (Tunables, error) {
	fileVars := map[string]string{}
	for _, f := range files {
		vars, err := godotenv.Read(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Default(), fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vars {
			if _, seen := fileVars[k]; !seen {
				fileVars[k] = v
			}
		}
	}

	return Load(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	})
}

// ParseSwapm parses "nreqs:handshake:isend" where a flag is true only when it
// is exactly "t". Missing fields keep their defaults.
func ParseSwapm(v string) (Swapm, error) {
	var s Swapm
	fields := strings.Split(v, ":")

	nreqs, err := cast.ToIntE(leadingInt(fields[0]))
	if err != nil {
		return s, fmt.Errorf("%s: %w", EnvSwapm, err)
	}
	s.NReqs = nreqs
	if len(fields) > 1 {
		s.Handshake = fields[1] == "t"
	}
	if len(fields) > 2 {
		s.ISend = fields[2] == "t"
	}
	return s, nil
}

// ParseLimit parses a decimal byte count. An "M" anywhere multiplies by
// 1000000, otherwise a "K" multiplies by 1000.
func ParseLimit(v string) (datasize.ByteSize, error) {
	mult := int64(1)
	switch {
	case strings.Contains(v, "M"):
		mult = 1000000
	case strings.Contains(v, "K"):
		mult = 1000
	}
	n, err := cast.ToInt64E(leadingInt(v))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative limit %d", n)
	}
	return datasize.ByteSize(n * mult), nil
}

// leadingInt returns the optional sign and digits at the start of v, or "0"
// when there are none. Leading zeros are dropped so the result is never read
// as octal.
func leadingInt(v string) string {
	v = strings.TrimSpace(v)
	sign := ""
	if v != "" && (v[0] == '-' || v[0] == '+') {
		sign, v = v[:1], v[1:]
	}
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	digits := strings.TrimLeft(v[:end], "0")
	if digits == "" {
		return "0"
	}
	return sign + digits
}
