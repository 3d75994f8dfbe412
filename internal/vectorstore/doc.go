// Package vectorstore persists tenant-scoped embeddings and answers
// similarity queries over them.
//
// Service is the entry point used by handlers. It validates input, calls the
// embedding model and delegates storage to a Backend. Every backend keeps
// tenants apart on its own terms (a map partition, one chromem collection
// per tenant, a mandatory qdrant payload filter, a client_id predicate in
// SQL) and additionally verifies the tenant of every row it returns.
//
// Search semantics are identical across backends:
//
//   - similarity is 1 minus the cosine distance
//   - only rows with similarity strictly above the threshold are returned
//   - results are ordered by similarity descending, then CreatedAt and ID
//     ascending, and capped at the limit
//   - with a job id, rows of that job and rows without a job are visible
package vectorstore
