package study

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clinicgrid/ingestd/internal/dicomfile"
)

// nonDICOMExt are extensions discovery never probes, even when the
// bytes might parse.
var nonDICOMExt = map[string]bool{
	".json": true,
	".txt":  true,
	".log":  true,
}

// discoverInstances walks folder and returns every file it considers a
// DICOM instance: anything named *.dcm (case-insensitive), plus any
// other file (excluding the obvious non-DICOM extensions) whose
// contents probe as valid DICOM metadata. The result is sorted for a
// deterministic upload order across runs.
func discoverInstances(folder string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		include := ext == ".dcm"
		if !include && !nonDICOMExt[ext] {
			include = dicomfile.ProbeMetadata(path)
		}

		if include && !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}
