// Package vectorstore stores chunk embeddings and answers tenant-scoped
// nearest-neighbor queries.
//
// # Tenant isolation
//
// Every Store method takes a tenant.ID as a required parameter. Backends
// scope every read and write to it structurally: ChromemStore keeps one
// collection per tenant, SQLiteStore puts tenant_id in every WHERE clause,
// and QdrantStore injects a tenant_id payload filter on every request.
//
// # Atomic replace
//
// Replace swaps a document's entire chunk set. Each call carries a
// generation issued by the documents repository; the store records the
// committed generation per document and rejects lower ones with
// ErrStaleGeneration, so a superseded ingestion run can never overwrite a
// newer one. New rows are staged under their generation and only become
// visible when the generation is committed, so queries never observe a
// mix of old and new chunks.
//
// # Backends
//
//	vectorstore:
//	  provider: chromem  # chromem (default), sqlite or qdrant
//
// ChromemStore is embedded and needs no services; in-memory when no path
// is set. SQLiteStore keeps vectors in a single file and scores them with
// a registered vec_cosine SQL function. QdrantStore talks to an external
// Qdrant over gRPC.
package vectorstore
