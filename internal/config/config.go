// Package config loads cryophile's TOML configuration file and
// resolves per-vault overrides against it, the same discovery and
// override shape original_source/src/config/ implements in Rust.
package config

import (
	"fmt"
	"os"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/cryophile/cryophile/internal/compression"
	"github.com/cryophile/cryophile/internal/cryoerr"
)

// DefaultConfigName is the file name looked for under the XDG config
// directory and under /etc, mirroring configfile.rs's "cryophile.toml".
const DefaultConfigName = "cryophile.toml"

// SystemConfigPath is the fallback location checked after the XDG
// discovery path comes up empty.
const SystemConfigPath = "/etc/cryophile/cryophile.toml"

// Profile names a storage profile/provider for a vault, mirroring
// configfile.rs's Profile struct.
type Profile struct {
	Provider string `toml:"provider"`
}

// Bucket names the destination bucket for a vault, mirroring
// configfile.rs's Bucket struct.
type Bucket struct {
	Name string `toml:"name"`
}

// Vault holds the per-vault overrides configfile.rs's Vault struct
// describes: a vault may pin its own compression codec, storage
// profile, and destination bucket, so operators needn't repeat
// --compression (or, for thaw, --bucket) on every invocation; --vault
// itself is still required, since it selects the override block.
type Vault struct {
	ID          uuid.UUID `toml:"id"`
	Compression *string   `toml:"compression"`
	Profile     *Profile  `toml:"profile"`
	Bucket      *Bucket   `toml:"bucket"`
}

// File is the parsed form of cryophile.toml, mirroring configfile.rs's
// ConfigFile: an optional default compression codec plus a list of
// per-vault override blocks.
type File struct {
	Compression *string `toml:"compression"`
	Vault       []Vault `toml:"vault"`
}

// Parse parses raw TOML bytes into a File.
func Parse(data []byte) (File, error) {
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("%w: parse config: %v", cryoerr.ErrConfig, err)
	}
	return f, nil
}

// Load reads and parses the TOML file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

// DiscoverPath returns the config file path Load should use when the
// caller did not supply --config explicitly: $XDG_CONFIG_HOME/cryophile/
// cryophile.toml if it exists, else /etc/cryophile/cryophile.toml, else
// "" (no config file found; callers should treat that as an empty File).
func DiscoverPath() string {
	if p, err := xdg.SearchConfigFile("cryophile/" + DefaultConfigName); err == nil {
		return p
	}
	if _, err := os.Stat(SystemConfigPath); err == nil {
		return SystemConfigPath
	}
	return ""
}

// Resolve loads the effective configuration for a run: if explicitPath
// is non-empty (the --config F flag was given), F is the sole source
// and a missing or malformed file is always fatal, per spec.md §6. If
// explicitPath is empty, DiscoverPath's result is used, tolerating a
// missing file (an empty File is returned) but not a malformed one,
// matching original_source/src/lib.rs's read_config: "do not fail if we
// cannot read standard config locations, unless there is a config
// syntax error."
func Resolve(explicitPath string) (File, error) {
	if explicitPath != "" {
		f, err := Load(explicitPath)
		if err != nil {
			return File{}, fmt.Errorf("%w: %v", cryoerr.ErrConfig, err)
		}
		return f, nil
	}

	path := DiscoverPath()
	if path == "" {
		return File{}, nil
	}
	f, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("%w: %v", cryoerr.ErrConfig, err)
	}
	return f, nil
}

// VaultFor returns the override block for vault, if the config file
// names one.
func (f File) VaultFor(vault uuid.UUID) (Vault, bool) {
	for _, v := range f.Vault {
		if v.ID == vault {
			return v, true
		}
	}
	return Vault{}, false
}

// ResolveCompression picks the effective compression codec for vault:
// an explicit --compression flag wins if given (explicit != ""), else
// the vault's own override, else the file's top-level default, else
// compression.Zstd (spec.md §3's "caller-selected, default Zstd").
// The second return value reports whether the codec came from an
// actual choice (flag or config) rather than falling through to that
// default, so a caller on the restore side can tell "nothing was
// specified" apart from "zstd was specified" and fall back to
// magic-byte auto-detection instead of assuming the default blindly.
func (f File) ResolveCompression(vault uuid.UUID, explicit string) (compression.Type, bool, error) {
	if explicit != "" {
		t, err := compression.ParseType(explicit)
		return t, true, err
	}
	if v, ok := f.VaultFor(vault); ok && v.Compression != nil {
		t, err := compression.ParseType(*v.Compression)
		return t, true, err
	}
	if f.Compression != nil {
		t, err := compression.ParseType(*f.Compression)
		return t, true, err
	}
	return compression.Zstd, false, nil
}

// ResolveBucket returns the vault-scoped bucket name override, if any.
func (f File) ResolveBucket(vault uuid.UUID) (string, bool) {
	v, ok := f.VaultFor(vault)
	if !ok || v.Bucket == nil {
		return "", false
	}
	return v.Bucket.Name, true
}

// ResolveProfile returns the vault-scoped storage profile/provider
// override, if any.
func (f File) ResolveProfile(vault uuid.UUID) (string, bool) {
	v, ok := f.VaultFor(vault)
	if !ok || v.Profile == nil {
		return "", false
	}
	return v.Profile.Provider, true
}
