package vmm

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/virttest/pkg/virtinstall"
)

const oneMiB = 1 << 20

// xenKickstartISO is built on the fly for Xen paravirt installs.
const xenKickstartISO = "ks.iso"

// verifyCDROMs checks that every CD-ROM image exists and matches its
// expected digest. Only the first configured digest is compared, in the
// order md5 of the first MiB, md5, sha1.
func (vm *VM) verifyCDROMs() error {
	p := vm.params
	if p.Medium == virtinstall.MediumImport {
		return nil
	}

	for _, cd := range p.CDROMs {
		if cd.ISO == "" {
			continue
		}
		if vm.driverType == driverXen && p.HVMOrPV == virtinstall.VirtPV && filepath.Base(cd.ISO) == xenKickstartISO {
			continue
		}

		iso := virtinstall.ResolvePath(p.DataDir, cd.ISO)
		if _, err := os.Stat(iso); err != nil {
			return errors.Join(err, fmt.Errorf("iso=%s", iso), ErrImageMissing)
		}

		var (
			expected string
			newHash  func() hash.Hash
			limit    int64 = -1
		)
		switch {
		case cd.MD5Sum1M != "":
			slog.Debug("comparing expected MD5 sum with MD5 sum of first MB of ISO file", "iso", iso)
			expected, newHash, limit = cd.MD5Sum1M, md5.New, oneMiB
		case cd.MD5Sum != "":
			slog.Debug("comparing expected MD5 sum with MD5 sum of ISO file", "iso", iso)
			expected, newHash = cd.MD5Sum, md5.New
		case cd.SHA1Sum != "":
			slog.Debug("comparing expected SHA1 sum with SHA1 sum of ISO file", "iso", iso)
			expected, newHash = cd.SHA1Sum, sha1.New
		default:
			continue
		}

		actual, err := hashFile(iso, newHash(), limit)
		if err != nil {
			return errors.Join(err, fmt.Errorf("iso=%s", iso), ErrImageMissing)
		}
		if actual != expected {
			return errors.Join(fmt.Errorf("iso=%s actual=%s expected=%s", iso, actual, expected), ErrHashMismatch)
		}
		slog.Debug("hashes match", "iso", iso)
	}

	return nil
}

// hashFile returns the hex digest of the first limit bytes of path, or of
// the whole file when limit is negative.
func hashFile(path string, h hash.Hash, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
