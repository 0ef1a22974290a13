package agentconfig

import "github.com/dustin/go-humanize"

// ByteSize is a uint64 that unmarshals from both human-friendly strings
// ("2MiB") and plain numbers, mirroring mutagen-io-mutagen's
// pkg/configuration/size.go ByteSize pattern, adapted from TOML to YAML
// text unmarshalling (yaml.v3 uses the same encoding.TextUnmarshaler
// interface for scalar nodes).
type ByteSize uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ByteSize) UnmarshalText(text []byte) error {
	value, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*s = ByteSize(value)
	return nil
}
