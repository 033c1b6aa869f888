// Package dfupkg reads Nordic DFU firmware packages. A package is a zip file
// with a manifest.json that names, per image kind, an init packet (.dat) and
// a firmware payload (.bin).
package dfupkg

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ManifestName is the name of the index file inside a package.
const ManifestName = "manifest.json"

const zipMagic = "PK\x03\x04"

// Manifest keys for the image kinds a package may carry.
const (
	KindApplication          = "application"
	KindSoftdeviceBootloader = "softdevice_bootloader"
	KindSoftdevice           = "softdevice"
	KindBootloader           = "bootloader"
)

// Role is the position of an image in the update sequence.
type Role int

const (
	RoleBase Role = iota
	RoleApplication
)

func (r Role) String() string {
	switch r {
	case RoleBase:
		return "base"
	case RoleApplication:
		return "application"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// kindsFor lists the manifest keys that can satisfy a role, in order of
// preference.
func kindsFor(role Role) []string {
	switch role {
	case RoleBase:
		return []string{KindSoftdeviceBootloader, KindSoftdevice, KindBootloader}
	case RoleApplication:
		return []string{KindApplication}
	default:
		return nil
	}
}

// Entry is one image described by the manifest.
type Entry struct {
	BinFile string
	DatFile string

	// Only set for combined softdevice/bootloader images.
	SoftdeviceSize uint32
	BootloaderSize uint32
}

// Manifest is the parsed manifest.json of a package.
type Manifest struct {
	DFUVersion float64
	Entries    map[string]Entry
}

// Image is one flashable unit: the init packet plus the firmware payload.
type Image struct {
	Role      Role
	Kind      string
	InitData  []byte
	ImageData []byte
}

// Archive is an opened package. It is safe for concurrent use; nothing in it
// is modified after Open returns.
type Archive struct {
	Manifest Manifest

	zr *zip.Reader
}

type manifestJSON struct {
	Manifest map[string]json.RawMessage `json:"manifest"`
}

type entryJSON struct {
	BinFile  string `json:"bin_file"`
	DatFile  string `json:"dat_file"`
	Metadata *struct {
		BootloaderSize uint32 `json:"bl_size"`
		SoftdeviceSize uint32 `json:"sd_size"`
	} `json:"info_read_only_metadata"`
}

// Open parses the container and its manifest. It does not look at the image
// files themselves; see Resolve.
func Open(raw []byte) (*Archive, error) {
	// Read the magic (first 4 bytes) to give a useful error for files that
	// are obviously not packages, such as a bare .hex or .bin.
	if len(raw) < len(zipMagic) {
		return nil, &CorruptArchiveError{Reason: fmt.Sprintf("file too short (%d bytes)", len(raw))}
	}
	if string(raw[:len(zipMagic)]) != zipMagic {
		return nil, &CorruptArchiveError{Reason: fmt.Sprintf("could not determine file type (magic: %02x %02x %02x %02x)", raw[0], raw[1], raw[2], raw[3])}
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, &CorruptArchiveError{Reason: "not a zip archive", Err: err}
	}

	data, err := readFile(zr, ManifestName)
	if err != nil {
		return nil, &CorruptArchiveError{Reason: "cannot read " + ManifestName, Err: err}
	}

	var mf manifestJSON
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, &CorruptArchiveError{Reason: "invalid " + ManifestName, Err: err}
	}
	if mf.Manifest == nil {
		return nil, &CorruptArchiveError{Reason: ManifestName + " has no manifest object"}
	}

	m := Manifest{Entries: make(map[string]Entry)}
	for key, v := range mf.Manifest {
		if key == "dfu_version" {
			if err := json.Unmarshal(v, &m.DFUVersion); err != nil {
				return nil, &CorruptArchiveError{Reason: "invalid dfu_version", Err: err}
			}
			continue
		}
		// Anything other than an object is metadata we don't use.
		if trimmed := bytes.TrimSpace(v); len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		var ej entryJSON
		if err := json.Unmarshal(v, &ej); err != nil {
			return nil, &CorruptArchiveError{Reason: fmt.Sprintf("invalid manifest entry %q", key), Err: err}
		}
		e := Entry{BinFile: ej.BinFile, DatFile: ej.DatFile}
		if ej.Metadata != nil {
			e.SoftdeviceSize = ej.Metadata.SoftdeviceSize
			e.BootloaderSize = ej.Metadata.BootloaderSize
		}
		m.Entries[key] = e
	}

	return &Archive{Manifest: m, zr: zr}, nil
}

// Resolve returns the image for the given role. A nil image with a nil error
// means the package has no image for that role.
func (a *Archive) Resolve(role Role) (*Image, error) {
	for _, kind := range kindsFor(role) {
		entry, ok := a.Manifest.Entries[kind]
		if !ok {
			continue
		}
		return a.extract(role, kind, entry)
	}
	return nil, nil
}

func (a *Archive) extract(role Role, kind string, entry Entry) (*Image, error) {
	if entry.DatFile == "" {
		return nil, &MalformedImageError{Role: role, Kind: kind, Reason: "no init packet (dat_file) named"}
	}
	if entry.BinFile == "" {
		return nil, &MalformedImageError{Role: role, Kind: kind, Reason: "no firmware file (bin_file) named"}
	}

	initData, err := readFile(a.zr, entry.DatFile)
	if err != nil {
		return nil, &MalformedImageError{Role: role, Kind: kind, File: entry.DatFile, Reason: "cannot extract init packet", Err: err}
	}
	imageData, err := readFile(a.zr, entry.BinFile)
	if err != nil {
		return nil, &MalformedImageError{Role: role, Kind: kind, File: entry.BinFile, Reason: "cannot extract firmware", Err: err}
	}
	if len(imageData) == 0 {
		return nil, &MalformedImageError{Role: role, Kind: kind, File: entry.BinFile, Reason: "firmware is empty"}
	}

	return &Image{
		Role:      role,
		Kind:      kind,
		InitData:  initData,
		ImageData: imageData,
	}, nil
}

// Package is a fully resolved firmware package. Base and App are nil when the
// package has no image for that role. A Package is read-only and may be
// shared between concurrent update sessions.
type Package struct {
	Manifest Manifest
	Base     *Image
	App      *Image

	// Size of the raw package in bytes.
	Size int
}

// Load opens the archive and resolves both images. All package errors are
// reported here, so a malformed package is rejected before any device is
// contacted.
func Load(raw []byte) (*Package, error) {
	a, err := Open(raw)
	if err != nil {
		return nil, err
	}
	base, err := a.Resolve(RoleBase)
	if err != nil {
		return nil, err
	}
	app, err := a.Resolve(RoleApplication)
	if err != nil {
		return nil, err
	}
	return &Package{
		Manifest: a.Manifest,
		Base:     base,
		App:      app,
		Size:     len(raw),
	}, nil
}

// Images returns the present images in the order they must be applied.
func (p *Package) Images() []*Image {
	var images []*Image
	if p.Base != nil {
		images = append(images, p.Base)
	}
	if p.App != nil {
		images = append(images, p.App)
	}
	return images
}

func readFile(zr *zip.Reader, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
