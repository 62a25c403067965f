package bundle

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/liyecom/governance-kernel/pkg/contracts"
)

// Signer produces a compact JWS over a bundle's content hash. nil
// disables signing, appropriate only for local/dev builds.
type Signer interface {
	Sign(bundleSHA256 string) (string, error)
}

// HMACSigner signs with HS256 over a shared secret, the counterpart to
// HMACVerifier.
type HMACSigner struct {
	Secret []byte
}

// Sign returns a compact JWS whose "sub" claim is bundleSHA256.
func (s *HMACSigner) Sign(bundleSHA256 string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": bundleSHA256,
	})
	return token.SignedString(s.Secret)
}

// TarGzBuilder builds a deterministic signed gzip tarball from a policy
// set, suitable for the heartbeat orchestrator's bundle-on-change step.
type TarGzBuilder struct {
	OutputPath string
	Signer     Signer
	GitSHA     string
}

// Build writes OutputPath from policies, sorted by policy_id so two
// builds over the same policy set produce byte-identical output. The
// manifest's created_at is the newest policy learned_at, not the clock.
func (b *TarGzBuilder) Build(policies []contracts.Policy) error {
	sorted := make([]contracts.Policy, len(policies))
	copy(sorted, policies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PolicyID < sorted[j].PolicyID })

	var createdAt time.Time
	for _, p := range sorted {
		if p.LearnedAt.After(createdAt) {
			createdAt = p.LearnedAt
		}
	}

	type fileEntry struct {
		path string
		data []byte
	}
	var files []fileEntry
	var included []contracts.IncludedPolicy
	for _, p := range sorted {
		data, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return fmt.Errorf("bundle: marshal policy %s: %w", p.PolicyID, err)
		}
		path := "policies/" + p.PolicyID + ".json"
		files = append(files, fileEntry{path: path, data: data})
		sum := sha256.Sum256(data)
		included = append(included, contracts.IncludedPolicy{
			Name: p.PolicyID, Scope: p.Scope.Type, PolicyHash: hex.EncodeToString(sum[:]),
		})
	}

	h := sha256.New()
	var manifestFiles []contracts.ManifestFile
	for _, f := range files {
		h.Write([]byte(f.path))
		h.Write([]byte{0})
		h.Write(f.data)
		sum := sha256.Sum256(f.data)
		manifestFiles = append(manifestFiles, contracts.ManifestFile{
			Path: f.path, SHA256: hex.EncodeToString(sum[:]), Size: int64(len(f.data)),
		})
	}
	bundleHash := hex.EncodeToString(h.Sum(nil))

	manifest := contracts.BundleManifest{
		BundleVersion:    "1.0.0",
		SchemaVersion:    "1",
		CreatedAt:        createdAt.UTC(),
		GitSHA:           b.GitSHA,
		Contracts:        map[string]any{},
		BundleSHA256:     bundleHash,
		IncludedPolicies: included,
		Files:            manifestFiles,
	}
	if b.Signer != nil {
		sig, err := b.Signer.Sign(bundleHash)
		if err != nil {
			return fmt.Errorf("bundle: sign: %w", err)
		}
		manifest.Signature = sig
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: marshal manifest: %w", err)
	}
	files = append(files, fileEntry{path: manifestFileName, data: manifestBytes})

	out, err := os.Create(b.OutputPath)
	if err != nil {
		return fmt.Errorf("bundle: create %s: %w", b.OutputPath, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		if err := tw.WriteHeader(&tar.Header{Name: f.path, Mode: 0o644, Size: int64(len(f.data))}); err != nil {
			return fmt.Errorf("bundle: tar header %s: %w", f.path, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return fmt.Errorf("bundle: tar write %s: %w", f.path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
