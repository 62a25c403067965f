package bundle

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liyecom/governance-kernel/pkg/contracts"
)

func samplePolicy() contracts.Policy {
	return contracts.Policy{
		SchemaVersion:        "1",
		PolicyID:             "policy.reorder.slow-moving",
		Domain:               "inventory",
		LearnedAt:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Scope:                contracts.PolicyScope{Type: "tenant", Keys: map[string]string{"tenant_id": "t1"}},
		RiskLevel:            "low",
		ValidationStatus:     contracts.PolicyCandidate,
		Confidence:           0.8,
		Actions:              []contracts.PolicyAction{{ActionType: "reorder", DryRunCompatible: true}},
		SuccessSignals:       contracts.SuccessSignals{Exec: []string{"fill_rate"}},
		EvaluationWindowDays: 7,
		EvidenceRefs:         []string{"trace-1"},
	}
}

// buildTarball writes a manifest + one policy file into a deterministic
// tar.gz, computing bundle_sha256 and per-file hashes/sizes the same way
// the loader does, and optionally signs the manifest with secret.
func buildTarball(t *testing.T, dir string, secret []byte) string {
	t.Helper()

	policy := samplePolicy()
	policyBytes, err := json.Marshal(policy)
	require.NoError(t, err)

	files := []struct {
		path string
		data []byte
	}{
		{"policies/reorder.json", policyBytes},
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
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
		BundleVersion: "1.0.0",
		SchemaVersion: "1",
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		GitSHA:        "deadbeef",
		Contracts:     map[string]any{},
		BundleSHA256:  bundleHash,
		IncludedPolicies: []contracts.IncludedPolicy{
			{Name: "reorder", Scope: "tenant", PolicyHash: manifestFiles[0].SHA256},
		},
		Files: manifestFiles,
	}

	if secret != nil {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": bundleHash,
			"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := token.SignedString(secret)
		require.NoError(t, err)
		manifest.Signature = signed
	}

	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	files = append(files, struct {
		path string
		data []byte
	}{"manifest.json", manifestBytes})

	tarPath := filepath.Join(dir, "bundle.tar.gz")
	out, err := os.Create(tarPath)
	require.NoError(t, err)
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: f.path, Mode: 0o644, Size: int64(len(f.data)),
		}))
		_, err := tw.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return tarPath
}

func TestLoader_LoadTarballUnsigned(t *testing.T) {
	dir := t.TempDir()
	tarPath := buildTarball(t, dir, nil)

	l, err := NewLoader(nil)
	require.NoError(t, err)
	require.NoError(t, l.LoadTarball(tarPath, filepath.Join(dir, "scratch")))

	policies := l.Policies()
	require.Len(t, policies, 1)
	assert.Equal(t, "policy.reorder.slow-moving", policies[0].PolicyID)
	assert.Equal(t, "inventory", policies[0].Domain)
}

func TestLoader_LoadTarballWithValidSignature(t *testing.T) {
	dir := t.TempDir()
	secret := []byte("test-secret")
	tarPath := buildTarball(t, dir, secret)

	l, err := NewLoader(&HMACVerifier{Secret: secret})
	require.NoError(t, err)
	require.NoError(t, l.LoadTarball(tarPath, filepath.Join(dir, "scratch")))
	assert.Len(t, l.Policies(), 1)
}

func TestLoader_LoadTarballWithWrongSignatureFails(t *testing.T) {
	dir := t.TempDir()
	tarPath := buildTarball(t, dir, []byte("correct-secret"))

	l, err := NewLoader(&HMACVerifier{Secret: []byte("wrong-secret")})
	require.NoError(t, err)
	err = l.LoadTarball(tarPath, filepath.Join(dir, "scratch"))
	require.Error(t, err)
	var kerr *contracts.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, contracts.CodeBundleSignature, kerr.Code)
}

// rebuildWithMutatedManifest extracts tarPath, applies mutate to its
// manifest, and repacks a new tarball with the mutated manifest plus the
// original policy file — used to test how LoadTarball reacts to a
// manifest that no longer matches its own bundle.
func rebuildWithMutatedManifest(t *testing.T, dir, tarPath string, mutate func(*contracts.BundleManifest)) string {
	t.Helper()

	scratch := filepath.Join(dir, "pre-scratch")
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	_, err := extractTarGz(tarPath, scratch)
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(scratch, "manifest.json"))
	require.NoError(t, err)
	var manifest contracts.BundleManifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	mutate(&manifest)
	badManifest, err := json.Marshal(manifest)
	require.NoError(t, err)

	badDir := filepath.Join(dir, "bad")
	require.NoError(t, os.MkdirAll(filepath.Join(badDir, "policies"), 0o755))
	policyRaw, err := os.ReadFile(filepath.Join(scratch, "policies", "reorder.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "policies", "reorder.json"), policyRaw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "manifest.json"), badManifest, 0o644))

	badTar := filepath.Join(dir, "bad.tar.gz")
	out, err := os.Create(badTar)
	require.NoError(t, err)
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	addFile := func(name string) {
		data, err := os.ReadFile(filepath.Join(badDir, name))
		require.NoError(t, err)
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}))
		_, err = tw.Write(data)
		require.NoError(t, err)
	}
	addFile("manifest.json")
	addFile("policies/reorder.json")
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, out.Close())
	return badTar
}

func TestLoader_LoadTarballDetectsTamperedContent(t *testing.T) {
	dir := t.TempDir()
	tarPath := buildTarball(t, dir, nil)

	badTar := rebuildWithMutatedManifest(t, dir, tarPath, func(m *contracts.BundleManifest) {
		m.BundleSHA256 = "0000000000000000000000000000000000000000000000000000000000000"
	})

	l, err := NewLoader(nil)
	require.NoError(t, err)
	err = l.LoadTarball(badTar, filepath.Join(dir, "scratch2"))
	require.Error(t, err)
	var kerr *contracts.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, contracts.CodeBundleHashMismatch, kerr.Code)
}

func TestLoader_LoadTarballRejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	tarPath := buildTarball(t, dir, nil)

	badTar := rebuildWithMutatedManifest(t, dir, tarPath, func(m *contracts.BundleManifest) {
		m.BundleVersion = "2.0.0"
	})

	l, err := NewLoader(nil)
	require.NoError(t, err)
	err = l.LoadTarball(badTar, filepath.Join(dir, "scratch3"))
	require.Error(t, err)
	var kerr *contracts.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, contracts.CodeBundleVersion, kerr.Code)
}

func TestLoader_TarEntryEscapingDestinationIsRejected(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "evil.tar.gz")
	out, err := os.Create(tarPath)
	require.NoError(t, err)
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	payload := []byte("evil")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../../etc/passwd", Mode: 0o644, Size: int64(len(payload)),
	}))
	_, err = tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, out.Close())

	_, err = extractTarGz(tarPath, filepath.Join(dir, "scratch"))
	require.Error(t, err)
	var kerr *contracts.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, contracts.CodeBundleZipSlip, kerr.Code)
}

func TestLoader_LoadDirectoryFallback(t *testing.T) {
	dir := t.TempDir()
	policy := samplePolicy()
	raw, err := json.Marshal(policy)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "production"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "production", "reorder.json"), raw, 0o644))

	l, err := NewLoader(nil)
	require.NoError(t, err)
	require.NoError(t, l.LoadDirectory(dir))
	assert.Len(t, l.Policies(), 1)
	assert.Nil(t, l.Manifest())
}

func TestLoader_MatchByScopeAndKeywords(t *testing.T) {
	l, err := NewLoader(nil)
	require.NoError(t, err)
	l.policies = []contracts.Policy{samplePolicy()}

	byScope := l.MatchByScope(map[string]string{"tenant_id": "t1"})
	assert.Len(t, byScope, 1)

	byScopeMiss := l.MatchByScope(map[string]string{"tenant_id": "other"})
	assert.Empty(t, byScopeMiss)

	byKeyword := l.MatchByKeywords([]string{"reorder"})
	assert.Len(t, byKeyword, 1)

	byDomain := l.LoadByDomain("inventory")
	assert.Len(t, byDomain, 1)
}
