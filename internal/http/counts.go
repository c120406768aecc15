package http

import "github.com/fyrsmithlabs/manualrag/internal/documents"

// CountByStatus tallies docs per processing status. Unknown statuses only
// count towards Total.
func CountByStatus(docs []*documents.Document) StatusCounts {
	var c StatusCounts
	for _, d := range docs {
		if d == nil {
			continue
		}
		c.Total++
		switch d.Status {
		case documents.StatusPending:
			c.Pending++
		case documents.StatusProcessing:
			c.Processing++
		case documents.StatusCompleted:
			c.Completed++
		case documents.StatusFailed:
			c.Failed++
		}
	}
	return c
}
