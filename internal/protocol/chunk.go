// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "github.com/jeranaias/lexrun-client/internal/model"

// =============================================================================
// CHUNK TYPES
// =============================================================================

// ChunkKind discriminates the variants of a stream chunk.
type ChunkKind int

const (
	// ChunkContent carries a fragment of assistant message text.
	ChunkContent ChunkKind = iota

	// ChunkSources carries citation sources for the current message.
	ChunkSources

	// ChunkMetadata carries session-level metadata.
	ChunkMetadata

	// ChunkDone marks the end of the stream.
	ChunkDone
)

// String returns the chunk kind name.
func (k ChunkKind) String() string {
	switch k {
	case ChunkContent:
		return "content"
	case ChunkSources:
		return "sources"
	case ChunkMetadata:
		return "metadata"
	case ChunkDone:
		return "done"
	default:
		return "unknown"
	}
}

// Chunk is one classified unit of streamed server output. Produced by the
// Decoder, consumed exactly once, never mutated.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	Sources  []model.Source
	Metadata map[string]any
}

// ContentChunk builds a content chunk.
func ContentChunk(text string) Chunk {
	return Chunk{Kind: ChunkContent, Text: text}
}

// SourcesChunk builds a sources chunk.
func SourcesChunk(sources []model.Source) Chunk {
	return Chunk{Kind: ChunkSources, Sources: sources}
}

// MetadataChunk builds a metadata chunk.
func MetadataChunk(meta map[string]any) Chunk {
	return Chunk{Kind: ChunkMetadata, Metadata: meta}
}

// DoneChunk builds the end-of-stream marker.
func DoneChunk() Chunk {
	return Chunk{Kind: ChunkDone}
}
