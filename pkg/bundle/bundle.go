// Package bundle loads learned-policy bundles: signed gzip tarballs
// containing a strict-schema manifest plus the policy files it
// references. It verifies per-file and overall content hashes, guards
// against path traversal on extraction (ZipSlip), and optionally
// verifies a JWS signature over the bundle's content hash. When no
// bundle path is configured it falls back to reading policies directly
// from a local directory tree.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"github.com/liyecom/governance-kernel/pkg/contracts"
	"github.com/liyecom/governance-kernel/pkg/schemas"
)

// Verifier validates a bundle's JWS signature and checks that it covers
// bundleSHA256. A Loader with a nil Verifier runs in unsigned-ok mode: it
// accepts unsigned bundles and rejects signed ones, since it cannot check
// them. A Loader with a Verifier rejects unsigned bundles.
type Verifier interface {
	Verify(token, bundleSHA256 string) error
}

// HMACVerifier verifies an HS256 JWS over a shared secret.
type HMACVerifier struct {
	Secret []byte
}

// Verify parses token and checks its signature and that its "sub" claim
// equals bundleSHA256.
func (v *HMACVerifier) Verify(token, bundleSHA256 string) error {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("bundle: unexpected signing method %v", t.Method.Alg())
		}
		return v.Secret, nil
	})
	if err != nil {
		return fmt.Errorf("bundle: jws verify: %w", err)
	}
	if sub, _ := claims.GetSubject(); sub != bundleSHA256 {
		return fmt.Errorf("bundle: jws sub claim %q does not match bundle_sha256 %q", sub, bundleSHA256)
	}
	return nil
}

// supportedBundleVersions is the range of bundle_version values this
// build of the loader knows how to read. Bumped on manifest schema
// changes that are not backward compatible.
const supportedBundleVersions = ">= 1.0.0, < 2.0.0"

// Loader loads and queries policy bundles.
type Loader struct {
	validator  *schemas.Validator
	verifier   Verifier
	versionOK  *semver.Constraints
	policies   []contracts.Policy
	manifest   *contracts.BundleManifest
}

// NewLoader builds a Loader with a fresh schema Validator. verifier may
// be nil to run in unsigned-ok mode.
func NewLoader(verifier Verifier) (*Loader, error) {
	v, err := schemas.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("bundle: new validator: %w", err)
	}
	constraints, err := semver.NewConstraint(supportedBundleVersions)
	if err != nil {
		return nil, fmt.Errorf("bundle: parse version constraint: %w", err)
	}
	return &Loader{validator: v, verifier: verifier, versionOK: constraints}, nil
}

// LoadTarball extracts tarballPath into scratchDir, validates the
// manifest and every referenced policy file, and loads the resulting
// policies into the Loader. A manifest or policy file that fails schema
// validation aborts with a SchemaValidationError; any other mismatch
// (version, hash, size, path, signature) aborts with a
// BundleIntegrityError. Either way the Loader's prior state is untouched.
func (l *Loader) LoadTarball(tarballPath, scratchDir string) error {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("bundle: mkdir scratch dir: %w", err)
	}

	overallHash, err := extractTarGz(tarballPath, scratchDir)
	if err != nil {
		return err
	}

	manifestPath := filepath.Join(scratchDir, manifestFileName)
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleHashMismatch,
			"manifest.json missing from bundle", nil)
	}

	res := l.validator.ValidateRaw(schemas.KindManifest, manifestBytes)
	if !res.Valid {
		return contracts.NewSchemaValidationError("bundle manifest failed strict schema validation",
			fmt.Errorf("%v", res.Errors))
	}

	var manifest contracts.BundleManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleHashMismatch, "parse manifest.json", nil)
	}

	bundleVersion, err := semver.NewVersion(manifest.BundleVersion)
	if err != nil {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleVersion,
			fmt.Sprintf("manifest bundle_version %q is not a valid semantic version", manifest.BundleVersion), nil)
	}
	if !l.versionOK.Check(bundleVersion) {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleVersion,
			fmt.Sprintf("bundle_version %s is not supported (requires %s)", bundleVersion, supportedBundleVersions), nil)
	}

	if manifest.BundleSHA256 != overallHash {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleHashMismatch,
			"bundle_sha256 does not match extracted tarball content", map[string]any{
				"expected": manifest.BundleSHA256, "actual": overallHash,
			})
	}

	if manifest.Signature != "" {
		if l.verifier == nil {
			return contracts.NewBundleIntegrityError(contracts.CodeBundleSignature,
				"bundle carries a signature but no verifier is configured", nil)
		}
		if err := l.verifier.Verify(manifest.Signature, manifest.BundleSHA256); err != nil {
			return contracts.NewBundleIntegrityError(contracts.CodeBundleSignature, err.Error(), nil)
		}
	} else if l.verifier != nil {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleSignature,
			"bundle is unsigned but a verifier is configured", nil)
	}

	var policies []contracts.Policy
	for _, f := range manifest.Files {
		if err := verifyManifestFile(scratchDir, f); err != nil {
			return err
		}
		if !isPolicyFile(f.Path) {
			continue
		}
		p, err := loadPolicyFile(filepath.Join(scratchDir, f.Path))
		if err != nil {
			return contracts.NewBundleIntegrityError(contracts.CodeBundleHashMismatch,
				fmt.Sprintf("parse policy file %s: %v", f.Path, err), nil)
		}
		res := l.validator.Validate(schemas.KindPolicy, p)
		if !res.Valid {
			return contracts.NewSchemaValidationError(
				fmt.Sprintf("policy file %s failed strict schema validation", f.Path),
				fmt.Errorf("%v", res.Errors))
		}
		policies = append(policies, p)
	}

	l.manifest = &manifest
	l.policies = policies
	return nil
}

// LoadDirectory reads policy files directly from a local directory tree
// (state/memory/learned/policies/{production,candidate} by convention),
// with no signature or bundle-hash verification — the unsigned-ok
// fallback used when no bundle has been published.
func (l *Loader) LoadDirectory(dir string) error {
	var policies []contracts.Policy
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		p, err := loadPolicyFile(path)
		if err != nil {
			return fmt.Errorf("bundle: parse %s: %w", path, err)
		}
		policies = append(policies, p)
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("bundle: load directory %s: %w", dir, walkErr)
	}
	l.policies = policies
	l.manifest = nil
	return nil
}

// LoadByDomain returns every loaded policy whose Domain matches.
func (l *Loader) LoadByDomain(domain string) []contracts.Policy {
	var out []contracts.Policy
	for _, p := range l.policies {
		if p.Domain == domain {
			out = append(out, p)
		}
	}
	return out
}

// MatchByScope returns policies whose scope.keys contain every key in
// keys with an exactly matching value.
func (l *Loader) MatchByScope(keys map[string]string) []contracts.Policy {
	var out []contracts.Policy
	for _, p := range l.policies {
		if scopeMatches(p.Scope.Keys, keys) {
			out = append(out, p)
		}
	}
	return out
}

func scopeMatches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// MatchByKeywords returns policies whose policy_id, domain, or any
// action's action_type contains one of keywords as a substring.
func (l *Loader) MatchByKeywords(keywords []string) []contracts.Policy {
	var out []contracts.Policy
	for _, p := range l.policies {
		if policyMatchesKeywords(p, keywords) {
			out = append(out, p)
		}
	}
	return out
}

func policyMatchesKeywords(p contracts.Policy, keywords []string) bool {
	haystacks := []string{p.PolicyID, p.Domain}
	for _, a := range p.Actions {
		haystacks = append(haystacks, a.ActionType)
	}
	for _, kw := range keywords {
		for _, h := range haystacks {
			if strings.Contains(h, kw) {
				return true
			}
		}
	}
	return false
}

// Policies returns every policy currently loaded.
func (l *Loader) Policies() []contracts.Policy { return l.policies }

// Manifest returns the manifest from the most recent LoadTarball, or
// nil if the Loader is in directory-fallback mode.
func (l *Loader) Manifest() *contracts.BundleManifest { return l.manifest }

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".json" || ext == ".yaml" || ext == ".yml"
}

func loadPolicyFile(path string) (contracts.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return contracts.Policy{}, err
	}
	var p contracts.Policy
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		err = yaml.Unmarshal(raw, &p)
	} else {
		err = json.Unmarshal(raw, &p)
	}
	return p, err
}

// verifyManifestFile checks that f.Path's realpath stays within dir
// (the ZipSlip guard) and that its on-disk sha256/size match the
// manifest entry.
func verifyManifestFile(dir string, f contracts.ManifestFile) error {
	full := filepath.Join(dir, f.Path)
	rel, err := filepath.Rel(dir, full)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleZipSlip,
			fmt.Sprintf("manifest file %q escapes the bundle root", f.Path), nil)
	}

	info, err := os.Stat(full)
	if err != nil {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleHashMismatch,
			fmt.Sprintf("manifest file %q is missing from the extracted bundle", f.Path), nil)
	}
	if info.Size() != f.Size {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleSizeMismatch,
			fmt.Sprintf("size mismatch for %q: manifest=%d actual=%d", f.Path, f.Size, info.Size()), nil)
	}

	actualHash, err := hashFile(full)
	if err != nil {
		return fmt.Errorf("bundle: hash %s: %w", f.Path, err)
	}
	if actualHash != f.SHA256 {
		return contracts.NewBundleIntegrityError(contracts.CodeBundleHashMismatch,
			fmt.Sprintf("sha256 mismatch for %q", f.Path), map[string]any{
				"expected": f.SHA256, "actual": actualHash,
			})
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// manifestFileName is excluded from the bundle_sha256 digest on both
// the build and load sides: the manifest carries that hash, so it
// cannot also be hashed into it.
const manifestFileName = "manifest.json"

// extractTarGz extracts src into destDir, guarding every entry against
// path traversal, and returns the sha256 of the sorted, concatenated
// (path, content) stream over every extracted file except manifest.json
// — the bundle_sha256 this build must match.
func extractTarGz(src, destDir string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("bundle: open tarball: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("bundle: gzip reader: %w", err)
	}
	defer gz.Close()

	type entry struct {
		path string
		data []byte
	}
	var entries []entry

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("bundle: tar read: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		destPath := filepath.Join(destDir, hdr.Name)
		rel, err := filepath.Rel(destDir, destPath)
		if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			return "", contracts.NewBundleIntegrityError(contracts.CodeBundleZipSlip,
				fmt.Sprintf("tar entry %q escapes the destination directory", hdr.Name), nil)
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return "", fmt.Errorf("bundle: mkdir for %s: %w", hdr.Name, err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return "", fmt.Errorf("bundle: read entry %s: %w", hdr.Name, err)
		}
		if err := os.WriteFile(destPath, data, 0o644); err != nil {
			return "", fmt.Errorf("bundle: write %s: %w", hdr.Name, err)
		}
		if hdr.Name != manifestFileName {
			entries = append(entries, entry{path: hdr.Name, data: data})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.path))
		h.Write([]byte{0})
		h.Write(e.data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
