package dfupkg

import (
	"archive/zip"
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// buildZip returns a zip archive holding the given files.
func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

const appOnlyManifest = `{
  "manifest": {
    "application": {"bin_file": "app.bin", "dat_file": "app.dat"},
    "dfu_version": 0.5
  }
}`

const bothManifest = `{
  "manifest": {
    "application": {"bin_file": "app.bin", "dat_file": "app.dat"},
    "softdevice_bootloader": {
      "bin_file": "sd_bl.bin",
      "dat_file": "sd_bl.dat",
      "info_read_only_metadata": {"bl_size": 24576, "sd_size": 151016}
    }
  }
}`

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    Manifest
		wantErr bool
		errMsg  string
	}{
		{
			name: "application only",
			input: buildZip(t, map[string][]byte{
				"manifest.json": []byte(appOnlyManifest),
				"app.bin":       make([]byte, 1024),
				"app.dat":       {1, 2, 3},
			}),
			want: Manifest{
				DFUVersion: 0.5,
				Entries: map[string]Entry{
					KindApplication: {BinFile: "app.bin", DatFile: "app.dat"},
				},
			},
		},
		{
			name: "application and softdevice_bootloader",
			input: buildZip(t, map[string][]byte{
				"manifest.json": []byte(bothManifest),
			}),
			want: Manifest{
				Entries: map[string]Entry{
					KindApplication: {BinFile: "app.bin", DatFile: "app.dat"},
					KindSoftdeviceBootloader: {
						BinFile:        "sd_bl.bin",
						DatFile:        "sd_bl.dat",
						SoftdeviceSize: 151016,
						BootloaderSize: 24576,
					},
				},
			},
		},
		{
			name:  "empty manifest object",
			input: buildZip(t, map[string][]byte{"manifest.json": []byte(`{"manifest": {}}`)}),
			want:  Manifest{Entries: map[string]Entry{}},
		},
		{
			name:    "not a zip",
			input:   []byte(":020000040000FA\n"),
			wantErr: true,
			errMsg:  "could not determine file type",
		},
		{
			name:    "too short",
			input:   []byte("PK"),
			wantErr: true,
			errMsg:  "too short",
		},
		{
			name:    "truncated zip",
			input:   buildZip(t, map[string][]byte{"manifest.json": []byte(appOnlyManifest)})[:40],
			wantErr: true,
			errMsg:  "not a zip archive",
		},
		{
			name:    "missing manifest",
			input:   buildZip(t, map[string][]byte{"app.bin": {1}}),
			wantErr: true,
			errMsg:  "cannot read manifest.json",
		},
		{
			name:    "invalid manifest json",
			input:   buildZip(t, map[string][]byte{"manifest.json": []byte(`{"manifest": `)}),
			wantErr: true,
			errMsg:  "invalid manifest.json",
		},
		{
			name:    "no manifest object",
			input:   buildZip(t, map[string][]byte{"manifest.json": []byte(`{"other": {}}`)}),
			wantErr: true,
			errMsg:  "has no manifest object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Open(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Open() expected error containing %q", tt.errMsg)
				}
				var corrupt *CorruptArchiveError
				if !errors.As(err, &corrupt) {
					t.Fatalf("Open() error type = %T, want *CorruptArchiveError", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Open() error = %q, want it to contain %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() err=%v", err)
			}
			if !reflect.DeepEqual(a.Manifest, tt.want) {
				t.Errorf("Open() manifest = %+v, want %+v", a.Manifest, tt.want)
			}
		})
	}
}

func TestOpenIdempotent(t *testing.T) {
	raw := buildZip(t, map[string][]byte{
		"manifest.json": []byte(bothManifest),
		"app.bin":       {1, 2, 3, 4},
		"app.dat":       {5},
	})

	first, err := Open(raw)
	if err != nil {
		t.Fatalf("first Open() err=%v", err)
	}
	second, err := Open(raw)
	if err != nil {
		t.Fatalf("second Open() err=%v", err)
	}
	if !reflect.DeepEqual(first.Manifest, second.Manifest) {
		t.Errorf("manifests differ: %+v vs %+v", first.Manifest, second.Manifest)
	}
}

func TestResolve(t *testing.T) {
	appBin := bytes.Repeat([]byte{0xAB}, 1024)
	appDat := []byte{0x12, 0x34}

	t.Run("application present, base absent", func(t *testing.T) {
		a, err := Open(buildZip(t, map[string][]byte{
			"manifest.json": []byte(appOnlyManifest),
			"app.bin":       appBin,
			"app.dat":       appDat,
		}))
		if err != nil {
			t.Fatalf("Open() err=%v", err)
		}

		base, err := a.Resolve(RoleBase)
		if err != nil || base != nil {
			t.Fatalf("Resolve(base) = %v, %v; want nil, nil", base, err)
		}

		app, err := a.Resolve(RoleApplication)
		if err != nil {
			t.Fatalf("Resolve(application) err=%v", err)
		}
		if app.Role != RoleApplication || app.Kind != KindApplication {
			t.Errorf("unexpected image identity: %v/%s", app.Role, app.Kind)
		}
		if !bytes.Equal(app.ImageData, appBin) || !bytes.Equal(app.InitData, appDat) {
			t.Errorf("image content mismatch")
		}
	})

	t.Run("neither present", func(t *testing.T) {
		a, err := Open(buildZip(t, map[string][]byte{"manifest.json": []byte(`{"manifest": {"dfu_version": 0.5}}`)}))
		if err != nil {
			t.Fatalf("Open() err=%v", err)
		}
		for _, role := range []Role{RoleBase, RoleApplication} {
			img, err := a.Resolve(role)
			if err != nil || img != nil {
				t.Errorf("Resolve(%s) = %v, %v; want nil, nil", role, img, err)
			}
		}
	})

	t.Run("base kind precedence", func(t *testing.T) {
		manifest := `{"manifest": {
			"bootloader": {"bin_file": "bl.bin", "dat_file": "bl.dat"},
			"softdevice": {"bin_file": "sd.bin", "dat_file": "sd.dat"}
		}}`
		a, err := Open(buildZip(t, map[string][]byte{
			"manifest.json": []byte(manifest),
			"bl.bin":        {1},
			"bl.dat":        {1},
			"sd.bin":        {2},
			"sd.dat":        {2},
		}))
		if err != nil {
			t.Fatalf("Open() err=%v", err)
		}
		base, err := a.Resolve(RoleBase)
		if err != nil {
			t.Fatalf("Resolve(base) err=%v", err)
		}
		if base.Kind != KindSoftdevice {
			t.Errorf("Resolve(base) kind = %s, want %s", base.Kind, KindSoftdevice)
		}
	})

	malformed := []struct {
		name     string
		manifest string
		files    map[string][]byte
		errMsg   string
	}{
		{
			name:     "missing data file",
			manifest: appOnlyManifest,
			files:    map[string][]byte{"app.dat": appDat},
			errMsg:   "cannot extract firmware",
		},
		{
			name:     "missing init packet",
			manifest: appOnlyManifest,
			files:    map[string][]byte{"app.bin": appBin},
			errMsg:   "cannot extract init packet",
		},
		{
			name:     "empty data file",
			manifest: appOnlyManifest,
			files:    map[string][]byte{"app.bin": {}, "app.dat": appDat},
			errMsg:   "firmware is empty",
		},
		{
			name:     "no bin_file named",
			manifest: `{"manifest": {"application": {"dat_file": "app.dat"}}}`,
			files:    map[string][]byte{"app.dat": appDat},
			errMsg:   "no firmware file",
		},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			files := map[string][]byte{"manifest.json": []byte(tt.manifest)}
			for k, v := range tt.files {
				files[k] = v
			}
			a, err := Open(buildZip(t, files))
			if err != nil {
				t.Fatalf("Open() err=%v", err)
			}
			_, err = a.Resolve(RoleApplication)
			var malformed *MalformedImageError
			if !errors.As(err, &malformed) {
				t.Fatalf("Resolve() err = %v, want *MalformedImageError", err)
			}
			if malformed.Role != RoleApplication {
				t.Errorf("error role = %s, want application", malformed.Role)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %q, want it to contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	raw := buildZip(t, map[string][]byte{
		"manifest.json": []byte(bothManifest),
		"app.bin":       {1, 2, 3},
		"app.dat":       {4},
		"sd_bl.bin":     {5, 6},
		"sd_bl.dat":     {7},
	})

	pkg, err := Load(raw)
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if pkg.Size != len(raw) {
		t.Errorf("Size = %d, want %d", pkg.Size, len(raw))
	}
	images := pkg.Images()
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
	if images[0].Role != RoleBase || images[1].Role != RoleApplication {
		t.Errorf("images out of order: %s, %s", images[0].Role, images[1].Role)
	}
}

func TestLoadRejectsMalformedBase(t *testing.T) {
	raw := buildZip(t, map[string][]byte{
		"manifest.json": []byte(bothManifest),
		"app.bin":       {1, 2, 3},
		"app.dat":       {4},
	})

	_, err := Load(raw)
	var malformed *MalformedImageError
	if !errors.As(err, &malformed) {
		t.Fatalf("Load() err = %v, want *MalformedImageError", err)
	}
	if malformed.Role != RoleBase {
		t.Errorf("error role = %s, want base", malformed.Role)
	}
}
