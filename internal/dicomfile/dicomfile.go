// Package dicomfile wraps github.com/suyashkumar/dicom with the
// narrow operations the ingestion pipeline needs: a metadata-only
// probe for file discovery, a full parse, the single InstitutionName
// mutation, and transfer-syntax-preserving re-encoding.
package dicomfile

import (
	"fmt"
	"io"
	"os"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Instance wraps a parsed DICOM dataset for one file.
type Instance struct {
	dataset dicom.Dataset
}

// ProbeMetadata reports whether path parses as DICOM metadata. Pixel
// data is skipped so this is cheap enough to run against every
// candidate file without a .dcm extension during discovery.
func ProbeMetadata(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	_, err = safeParseUntilEOF(f)
	return err == nil
}

// Parse reads the full dataset (including pixel data) from path.
func Parse(path string) (*Instance, error) {
	ds, err := safeParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse dicom file: %w", err)
	}
	return &Instance{dataset: ds}, nil
}

// safeParseUntilEOF wraps dicom.ParseUntilEOF with panic recovery: the
// parsing library panics on some malformed inputs instead of returning
// an error, and a panic here must degrade to one bad file, not the
// whole study.
func safeParseUntilEOF(f *os.File) (ds dicom.Dataset, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during dicom parse: %v", r)
		}
	}()
	return dicom.ParseUntilEOF(f, nil, dicom.SkipPixelData())
}

// safeParseFile wraps dicom.ParseFile with the same panic recovery as
// safeParseUntilEOF.
func safeParseFile(path string) (ds dicom.Dataset, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during dicom parse: %v", r)
		}
	}()
	return dicom.ParseFile(path, nil)
}

// SOPInstanceUID returns the instance's SOP Instance UID, or "" if the
// dataset does not carry one.
func (i *Instance) SOPInstanceUID() string {
	return i.stringElement(tag.SOPInstanceUID)
}

func (i *Instance) stringElement(t tag.Tag) string {
	elem, err := i.dataset.FindElementByTag(t)
	if err != nil {
		return ""
	}
	vals, ok := elem.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// SetInstitutionName overwrites (or inserts) the (0008,0080)
// InstitutionName element with the given clinic identifier. This is
// the only attribute the pipeline is permitted to mutate.
func (i *Instance) SetInstitutionName(tenant string) error {
	elem, err := dicom.NewElement(tag.InstitutionName, []string{tenant})
	if err != nil {
		return fmt.Errorf("build InstitutionName element: %w", err)
	}

	for idx, e := range i.dataset.Elements {
		if e.Tag == tag.InstitutionName {
			i.dataset.Elements[idx] = elem
			return nil
		}
	}
	i.dataset.Elements = append(i.dataset.Elements, elem)
	return nil
}

// WriteTo re-encodes the dataset, preserving its original transfer
// syntax, to w.
func (i *Instance) WriteTo(w io.Writer) error {
	return dicom.Write(w, i.dataset)
}
