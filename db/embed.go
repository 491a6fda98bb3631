// Package db embeds the catalog schema and the demo catalog feed.
package db

import _ "embed"

// Schema contains the DDL for the catalog and match job tables.
//
//go:embed migrations/001_schema.sql
var Schema string

// DemoCatalog is a small JSON-lines product feed used for local seeding.
//
//go:embed seed/products.jsonl
var DemoCatalog []byte
