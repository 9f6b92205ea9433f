//go:build unit

package vmm

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/virttest/internal/util/fakes/runnerfake"
	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexSum(h interface{ Sum([]byte) []byte }) string {
	return hex.EncodeToString(h.Sum(nil))
}

func TestVM_VerifyCDROMs(t *testing.T) {
	dataDir := t.TempDir()
	content := bytes.Repeat([]byte("virttest"), oneMiB/4)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "install.iso"), content, 0o644))

	full := md5.Sum(content)
	firstMiB := md5.Sum(content[:oneMiB])
	sha := sha1.Sum(content)

	md5Full := hex.EncodeToString(full[:])
	md5FirstMiB := hex.EncodeToString(firstMiB[:])
	sha1Full := hex.EncodeToString(sha[:])
	require.NotEqual(t, md5Full, md5FirstMiB)

	tests := []struct {
		name    string
		medium  string
		cdrom   virtinstall.CDROM
		wantErr error
	}{
		{
			name:   "md5 matches",
			medium: virtinstall.MediumCDROM,
			cdrom:  virtinstall.CDROM{Name: "cd1", ISO: "install.iso", MD5Sum: md5Full},
		},
		{
			name:   "md5 of the first MiB matches",
			medium: virtinstall.MediumCDROM,
			cdrom:  virtinstall.CDROM{Name: "cd1", ISO: "install.iso", MD5Sum1M: md5FirstMiB, MD5Sum: "ignored"},
		},
		{
			name:   "sha1 matches",
			medium: virtinstall.MediumCDROM,
			cdrom:  virtinstall.CDROM{Name: "cd1", ISO: "install.iso", SHA1Sum: sha1Full},
		},
		{
			name:    "sha1 mismatch",
			medium:  virtinstall.MediumCDROM,
			cdrom:   virtinstall.CDROM{Name: "cd1", ISO: "install.iso", SHA1Sum: "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
			wantErr: ErrHashMismatch,
		},
		{
			name:    "md5 of the whole file is not the first MiB digest",
			medium:  virtinstall.MediumCDROM,
			cdrom:   virtinstall.CDROM{Name: "cd1", ISO: "install.iso", MD5Sum1M: md5Full},
			wantErr: ErrHashMismatch,
		},
		{
			name:   "no digest",
			medium: virtinstall.MediumCDROM,
			cdrom:  virtinstall.CDROM{Name: "cd1", ISO: "install.iso"},
		},
		{
			name:    "missing iso",
			medium:  virtinstall.MediumCDROM,
			cdrom:   virtinstall.CDROM{Name: "cd1", ISO: "missing.iso"},
			wantErr: ErrImageMissing,
		},
		{
			name:   "import skips verification",
			medium: virtinstall.MediumImport,
			cdrom:  virtinstall.CDROM{Name: "cd1", ISO: "missing.iso"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			p.DataDir = dataDir
			p.Medium = tt.medium
			p.CDROMs = []virtinstall.CDROM{tt.cdrom}

			vm, err := newTestVMM(t, runnerfake.New()).New(context.Background(), "vm1", p)
			require.NoError(t, err)

			err = vm.verifyCDROMs()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestVM_VerifyCDROMs_XenKickstart(t *testing.T) {
	fake := runnerfake.New().On("virsh --connect xen:///system uri", runnerfake.OK("xen:///system"))
	p := testParams()
	p.ConnectURI = "xen:///system"
	p.HVMOrPV = virtinstall.VirtPV
	p.Medium = virtinstall.MediumCDROM
	p.CDROMs = []virtinstall.CDROM{{Name: "ks", ISO: "/nonexistent/ks.iso"}}

	vm, err := newTestVMM(t, fake).New(context.Background(), "vm1", p)
	require.NoError(t, err)
	assert.NoError(t, vm.verifyCDROMs())
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.iso")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, err := hashFile(path, md5.New(), oneMiB)
	require.NoError(t, err)
	h := md5.New()
	_, _ = h.Write([]byte("hello"))
	assert.Equal(t, hexSum(h), got)

	_, err = hashFile(path+".missing", md5.New(), -1)
	assert.Error(t, err)
}
