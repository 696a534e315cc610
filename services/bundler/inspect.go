package bundler

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"github.com/klauspost/compress/flate"
)

// Inspection is the outcome of reopening a package.
type Inspection struct {
	Manifest Manifest
	Members  []string
	// Signed is true when the manifest carried a signature that verified.
	Signed bool
	// Problems lists every mismatch found. An empty list means the archive is intact.
	Problems []string
}

// OK reports whether no problems were found.
func (i *Inspection) OK() bool { return len(i.Problems) == 0 }

// Inspect reopens the archive at path, recomputes member hashes and compares them, the
// manifest digest and, if present, its signature. verifier may be nil.
func Inspect(path string, verifier *Signer) (*Inspection, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	defer zr.Close()
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})

	out := &Inspection{}
	actual := make(map[string]ManifestFile)
	var rawManifest []byte
	for _, f := range zr.File {
		out.Members = append(out.Members, f.Name)
		data, err := readMember(f)
		if err != nil {
			return nil, err
		}
		if f.Name == manifestFileName {
			rawManifest = data
			continue
		}
		sum := sha256.Sum256(data)
		actual[f.Name] = ManifestFile{Path: f.Name, Size: int64(len(data)), SHA256: fmt.Sprintf("%x", sum)}
	}
	sort.Strings(out.Members)

	if rawManifest == nil {
		return nil, fmt.Errorf("package %s has no %s", path, manifestFileName)
	}
	if err := ValidateManifest(rawManifest); err != nil {
		out.Problems = append(out.Problems, err.Error())
	}
	if err := json.Unmarshal(rawManifest, &out.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	listed := make(map[string]bool, len(out.Manifest.Files))
	for _, entry := range out.Manifest.Files {
		listed[entry.Path] = true
		got, ok := actual[entry.Path]
		switch {
		case !ok:
			out.Problems = append(out.Problems, fmt.Sprintf("%s listed in manifest but missing", entry.Path))
		case got.Size != entry.Size || got.SHA256 != entry.SHA256:
			out.Problems = append(out.Problems, fmt.Sprintf("%s does not match manifest hash", entry.Path))
		}
	}
	for _, name := range out.Members {
		if name != manifestFileName && !listed[name] {
			out.Problems = append(out.Problems, fmt.Sprintf("%s not listed in manifest", name))
		}
	}

	digest, err := out.Manifest.ComputeDigest()
	if err != nil {
		return nil, fmt.Errorf("digest manifest: %w", err)
	}
	if digest != out.Manifest.Digest {
		out.Problems = append(out.Problems, "manifest digest mismatch")
	}

	if out.Manifest.Signature != "" {
		payload, err := out.Manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("canonicalize manifest: %w", err)
		}
		if err := verifier.Verify(payload, out.Manifest.Signature, out.Manifest.SigningPublicKey); err != nil {
			out.Problems = append(out.Problems, err.Error())
		} else {
			out.Signed = true
		}
	} else if verifier != nil {
		out.Problems = append(out.Problems, "manifest is not signed")
	}
	return out, nil
}

func readMember(f *zip.File) ([]byte, error) {
	if f.FileInfo().Mode()&fs.ModeType != 0 {
		return nil, fmt.Errorf("unexpected non-regular member %s", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open member %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read member %s: %w", f.Name, err)
	}
	return data, nil
}
