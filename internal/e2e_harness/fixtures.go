package e2e_harness

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lychee-technology/esbind"
)

// SeedPostgres creates the authors and books tables and inserts authorCount authors with
// booksPerAuthor books each. Ids start at 1.
func SeedPostgres(ctx context.Context, db *sql.DB, authorCount, booksPerAuthor int) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS authors (
  id BIGINT PRIMARY KEY,
  name TEXT NOT NULL,
  country TEXT
);`,
		`CREATE TABLE IF NOT EXISTS books (
  id BIGINT PRIMARY KEY,
  title TEXT NOT NULL,
  pages INTEGER,
  author_id BIGINT REFERENCES authors(id)
);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	countries := []string{"NZ", "JP", "DE", "BR"}
	bookID := 1
	for i := 1; i <= authorCount; i++ {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO authors (id, name, country) VALUES ($1, $2, $3)`,
			i, fmt.Sprintf("Author %03d", i), countries[i%len(countries)]); err != nil {
			return fmt.Errorf("insert author: %w", err)
		}
		for j := 0; j < booksPerAuthor; j++ {
			if _, err := db.ExecContext(ctx,
				`INSERT INTO books (id, title, pages, author_id) VALUES ($1, $2, $3, $4)`,
				bookID, fmt.Sprintf("Book %d by %d", j+1, i), 100+j*10, i); err != nil {
				return fmt.Errorf("insert book: %w", err)
			}
			bookID++
		}
	}
	return nil
}

// AuthorType is the tracked type for the seeded authors table, with a computed book count.
func AuthorType() *esbind.TypeConfig {
	return &esbind.TypeConfig{
		Module: "e2e",
		Name:   "Author",
		Table:  "authors",
		Key:    "id",
		Fields: []string{"name", "country"},
		ExtraFields: []esbind.ExtraFieldConfig{{
			Name:  "book_count",
			Query: "SELECT author_id, count(*) FROM books WHERE author_id = ANY($1) GROUP BY author_id",
		}},
		Mapping: map[string]any{
			"mappings": map[string]any{"properties": map[string]any{
				"name":       map[string]any{"type": "keyword"},
				"country":    map[string]any{"type": "keyword"},
				"book_count": map[string]any{"type": "integer"},
			}},
		},
	}
}

// BookType is the tracked type for the seeded books table. Scalars are encoded as strings, so
// numeric fields need an explicit mapping to sort and range on.
func BookType() *esbind.TypeConfig {
	return &esbind.TypeConfig{
		Module: "e2e",
		Name:   "Book",
		Table:  "books",
		Key:    "id",
		Fields: []string{"title", "pages", "author_id"},
		Mapping: map[string]any{
			"mappings": map[string]any{"properties": map[string]any{
				"title":     map[string]any{"type": "keyword"},
				"pages":     map[string]any{"type": "integer"},
				"author_id": map[string]any{"type": "long"},
			}},
		},
	}
}
