package bundler

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"zeroshare/services/catalog"
)

const (
	manifestFileName = "manifest.json"
	readmeFileName   = "README.md"
	docsPrefix       = "documentation/"
	evidencePrefix   = "evidence/"
)

// Member kinds recorded in the manifest.
const (
	MemberDocumentation = "documentation"
	MemberEvidence      = "evidence"
	MemberReadme        = "readme"
)

// Manifest describes a package. Documentation and Artifacts repeat the scheme's configured
// lists; Files records what the archive actually holds.
type Manifest struct {
	Scheme           string         `json:"scheme"`
	SchemeName       string         `json:"scheme_name"`
	GeneratedAt      time.Time      `json:"generated_at"`
	Documentation    []string       `json:"documentation"`
	Artifacts        []catalog.Kind `json:"artifacts"`
	Files            []ManifestFile `json:"files"`
	Tool             Tool           `json:"tool"`
	Digest           string         `json:"digest"`
	Signature        string         `json:"signature,omitempty"`
	SigningPublicKey string         `json:"signing_public_key,omitempty"`
}

// ManifestFile describes a single archive member.
type ManifestFile struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type Tool struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SigningBytes returns the JCS canonical form of the manifest without digest or signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Digest = ""
	clone.Signature = ""
	raw, err := json.Marshal(clone)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// ComputeDigest returns the hex sha256 of SigningBytes.
func (m Manifest) ComputeDigest() (string, error) {
	canonical, err := m.SigningBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

//go:embed manifest.schema.json
var manifestSchema []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	return compiler.Compile(manifestSchema)
})

// ValidateManifest checks encoded manifest JSON against the embedded schema.
func ValidateManifest(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("manifest schema validation failed: %v", result.Errors)
}
