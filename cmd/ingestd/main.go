// ingestd watches per-tenant inbox folders for completed DICOM studies
// and uploads them to a DICOMweb server via STOW-RS.
package main

import "github.com/clinicgrid/ingestd/internal/cli"

func main() {
	cli.Execute()
}
