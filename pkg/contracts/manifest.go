package contracts

import "time"

// IncludedPolicy is one manifest entry pointing at a policy file bundled
// inside the tarball.
type IncludedPolicy struct {
	Name       string `json:"name"`
	Scope      string `json:"scope"`
	PolicyHash string `json:"policy_hash"`
}

// ManifestFile is one content-addressed file entry in a bundle.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// BundleManifest describes a policy bundle tarball. Additional fields
// beyond these are forbidden by the strict manifest schema.
type BundleManifest struct {
	BundleVersion     string           `json:"bundle_version"`
	SchemaVersion     string           `json:"schema_version"`
	CreatedAt         time.Time        `json:"created_at"`
	GitSHA            string           `json:"git_sha"`
	Contracts         map[string]any   `json:"contracts"`
	BundleSHA256      string           `json:"bundle_sha256"`
	IncludedPolicies  []IncludedPolicy `json:"included_policies"`
	Files             []ManifestFile   `json:"files"`
	// Signature is a compact JWS over BundleSHA256. Omitted entirely
	// when the loader runs in unsigned-ok mode.
	Signature string `json:"signature,omitempty"`
}
