package queue

import (
	"os"
	"path/filepath"

	"github.com/surge-downloader/swarm/internal/engine/types"
)

// DCTempName returns the temp file name for fileName, with the tree root
// embedded when tth is given.
func DCTempName(fileName string, tth *types.TTH) string {
	if tth != nil {
		return fileName + "." + tth.Base32() + types.TempSuffix
	}
	return fileName + types.TempSuffix
}

// TempTarget returns where the file is written while downloading. With a temp
// directory configured and no file at the target yet, it lives there named
// after the tree root; otherwise it sits next to the target. The first call
// to use the temp directory checks it is writable. File lists have no temp file.
func (it *Item) TempTarget() string {
	it.metaMu.Lock()
	defer it.metaMu.Unlock()

	if it.tempTarget != "" || it.Flags().Has(types.FileUserList) {
		return it.tempTarget
	}

	fileName := filepath.Base(it.target)
	if dir := it.env.TempDir(); dir != "" && !fileExists(it.target) {
		var tth *types.TTH
		if !it.tth.IsZero() {
			tth = &it.tth
		}
		candidate := filepath.Join(dir, DCTempName(fileName, tth))
		if it.env.checkTempDir(dir, candidate) {
			it.tempTarget = candidate
			return it.tempTarget
		}
	}

	it.tempTarget = filepath.Join(filepath.Dir(it.target), DCTempName(fileName, nil))
	return it.tempTarget
}

// SetTempTarget overrides the temp path, e.g. when restoring a saved queue
func (it *Item) SetTempTarget(path string) {
	it.metaMu.Lock()
	it.tempTarget = path
	it.metaMu.Unlock()
}

// ListName returns the on-disk name of a file list item
func (it *Item) ListName() string {
	flags := it.Flags()
	switch {
	case flags.Has(types.FileXMLBZList):
		return it.target + ".xml.bz2"
	case flags.Has(types.FileDCLSTList):
		return it.target
	default:
		return it.target + ".xml"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
