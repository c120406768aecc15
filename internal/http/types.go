package http

import "github.com/fyrsmithlabs/manualrag/internal/documents"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// IngestRequest is the request body for POST /api/v1/documents/ingest.
type IngestRequest struct {
	DocumentID  string `json:"document_id"`
	StoragePath string `json:"storage_path"`
	// Async queues the document and returns 202 instead of waiting.
	Async bool `json:"async"`
}

// IngestAccepted is the 202 response body of an asynchronous ingest.
type IngestAccepted struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	RequestID  string `json:"request_id,omitempty"`
}

// DocumentList is the response body for GET /api/v1/documents.
type DocumentList struct {
	Documents []*documents.Document `json:"documents"`
	Counts    StatusCounts          `json:"counts"`
}

// StatusCounts counts documents per processing status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// FeatureToggle is the request body for PUT /api/v1/features/:name.
type FeatureToggle struct {
	Enabled *bool `json:"enabled"`
}
