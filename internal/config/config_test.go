package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/cryophile/cryophile/internal/compression"
	"github.com/cryophile/cryophile/internal/cryoerr"
)

const sampleConfig = `[[vault]]
id = "797daf41-ba2c-440e-a56a-d0a190403a0b"
    [vault.profile]
    provider = "s3"
    [vault.bucket]
    name = "the-bucket-name"

[[vault]]
id = "23e52b86-7293-4889-824f-50135685c9e4"
compression = "lz4"
    [vault.profile]
    provider = "s3"
`

func TestParseBasicConfigFile(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if f.Compression != nil {
		t.Errorf("top-level Compression = %v, want nil", *f.Compression)
	}
	if len(f.Vault) != 2 {
		t.Fatalf("len(Vault) = %d, want 2", len(f.Vault))
	}

	v0 := f.Vault[0]
	wantID0 := uuid.MustParse("797daf41-ba2c-440e-a56a-d0a190403a0b")
	if v0.ID != wantID0 {
		t.Errorf("Vault[0].ID = %v, want %v", v0.ID, wantID0)
	}
	if v0.Profile == nil || v0.Profile.Provider != "s3" {
		t.Errorf("Vault[0].Profile = %+v, want provider s3", v0.Profile)
	}
	if v0.Bucket == nil || v0.Bucket.Name != "the-bucket-name" {
		t.Errorf("Vault[0].Bucket = %+v, want name the-bucket-name", v0.Bucket)
	}
	if v0.Compression != nil {
		t.Errorf("Vault[0].Compression = %v, want nil", *v0.Compression)
	}

	v1 := f.Vault[1]
	if v1.Compression == nil || *v1.Compression != "lz4" {
		t.Errorf("Vault[1].Compression = %v, want lz4", v1.Compression)
	}
}

func TestParseMalformedConfigFile(t *testing.T) {
	if _, err := Parse([]byte("this is not [ valid toml")); !errors.Is(err, cryoerr.ErrConfig) {
		t.Fatalf("Parse() error = %v, want ErrConfig", err)
	}
}

func TestResolveExplicitPathMissingIsFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(filepath.Join(dir, "does-not-exist.toml"))
	if !errors.Is(err, cryoerr.ErrConfig) {
		t.Fatalf("Resolve() error = %v, want ErrConfig for missing --config target", err)
	}
}

func TestResolveExplicitPathLoadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cryophile.toml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	f, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(f.Vault) != 2 {
		t.Errorf("len(Vault) = %d, want 2", len(f.Vault))
	}
}

func TestResolveCompressionPrecedence(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	vaultWithOverride := uuid.MustParse("23e52b86-7293-4889-824f-50135685c9e4")
	vaultWithoutOverride := uuid.MustParse("797daf41-ba2c-440e-a56a-d0a190403a0b")
	otherVault := uuid.New()

	got, explicit, err := f.ResolveCompression(vaultWithOverride, "")
	if err != nil || got != compression.LZ4 || !explicit {
		t.Errorf("ResolveCompression(vault override) = %v, %v, %v, want LZ4, true", got, explicit, err)
	}

	got, explicit, err = f.ResolveCompression(vaultWithOverride, "zstd")
	if err != nil || got != compression.Zstd || !explicit {
		t.Errorf("explicit flag did not win over vault override: got %v, %v, %v", got, explicit, err)
	}

	got, explicit, err = f.ResolveCompression(vaultWithoutOverride, "")
	if err != nil || got != compression.Zstd || explicit {
		t.Errorf("ResolveCompression(no override, no default) = %v, %v, %v, want Zstd, false", got, explicit, err)
	}

	got, explicit, err = f.ResolveCompression(otherVault, "")
	if err != nil || got != compression.Zstd || explicit {
		t.Errorf("ResolveCompression(unknown vault) = %v, %v, %v, want Zstd, false", got, explicit, err)
	}
}

func TestResolveBucketAndProfile(t *testing.T) {
	f, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	vault := uuid.MustParse("797daf41-ba2c-440e-a56a-d0a190403a0b")

	bucket, ok := f.ResolveBucket(vault)
	if !ok || bucket != "the-bucket-name" {
		t.Errorf("ResolveBucket() = %q, %v, want the-bucket-name, true", bucket, ok)
	}

	profile, ok := f.ResolveProfile(vault)
	if !ok || profile != "s3" {
		t.Errorf("ResolveProfile() = %q, %v, want s3, true", profile, ok)
	}

	if _, ok := f.ResolveBucket(uuid.New()); ok {
		t.Errorf("ResolveBucket() for unknown vault returned ok=true")
	}
}
