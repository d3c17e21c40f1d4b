package store

import "storyboard/api/internal/ordering"

var (
	_ ordering.RecordStore   = (*PostgresStore)(nil)
	_ ordering.ItemStore     = (*PostgresStore)(nil)
	_ ordering.UserDirectory = (*PostgresStore)(nil)

	_ ordering.RecordStore   = (*MemoryStore)(nil)
	_ ordering.ItemStore     = (*MemoryStore)(nil)
	_ ordering.UserDirectory = (*MemoryStore)(nil)
)
