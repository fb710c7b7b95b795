package models

import "time"

// ArtRecord is the immutable artifact written when a job completes.
type ArtRecord struct {
	ID             string    `json:"art_id"`
	JobID          string    `json:"job_id"`
	CreatorID      string    `json:"creator_id"`
	Tier           string    `json:"tier"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	ImageURI       string    `json:"image_uri"`
	ThumbnailURI   string    `json:"thumbnail_uri"`
	ArchiveURI     string    `json:"archive_uri"`
	GenerationHash string    `json:"generation_hash"`
	SealSignature  string    `json:"seal_signature"`
	SealKeyVersion int       `json:"seal_key_version"`
	ToolCallCount  int       `json:"tool_call_count"`
	SequenceHash   string    `json:"sequence_hash"`
	Tradeable      bool      `json:"tradeable"`
	CreatedAt      time.Time `json:"created_at"`
}
