// Package extraction turns stored manual files into page-delimited text.
//
// Plain-text uploads (.txt, .md, .text) mark page breaks with form feeds.
// PDFs are validated and counted with pdfcpu; their text comes from a
// sidecar "<name>.pdf.txt" written by the OCR service, one form feed per
// page break.
//
// # Usage
//
//	ex := extraction.NewFileExtractor("/srv/manualrag/uploads", 64<<20)
//	res, err := ex.Extract(ctx, "acme", "acme/pump-manual.pdf")
//	if extraction.IsPermanent(err) {
//	    // Retrying will not help: missing file, unsupported type, no text.
//	}
//	for i, page := range res.Pages {
//	    fmt.Printf("page %d: %d chars\n", i+1, len(page))
//	}
//
// Storage paths are resolved under the root and must fall inside the
// calling tenant's directory (<root>/<tenant>/ or <inbox>/<tenant>/).
// Anything else is rejected with ErrPathTraversal.
package extraction
