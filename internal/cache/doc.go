// Package cache is the durable store of model artifacts. Each model id owns a
// directory under the cache root holding the primary artifact, optional
// auxiliary files and a metadata.json sidecar. Bytes are always written to
// the .partial directory first and renamed into place only after the caller
// has verified them, so a restart never observes a half-written artifact at
// its final path.
package cache
