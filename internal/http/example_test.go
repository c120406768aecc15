package http_test

import (
	"fmt"

	"github.com/fyrsmithlabs/manualrag/internal/documents"
	httpserver "github.com/fyrsmithlabs/manualrag/internal/http"
)

// ExampleCountByStatus shows the counts returned by GET /api/v1/documents.
func ExampleCountByStatus() {
	counts := httpserver.CountByStatus([]*documents.Document{
		{ID: "pump-manual", Status: documents.StatusCompleted},
		{ID: "valve-manual", Status: documents.StatusFailed},
		{ID: "motor-manual", Status: documents.StatusCompleted},
	})
	fmt.Println(counts.Completed, counts.Failed, counts.Total)
	// Output: 2 1 3
}
