package sqlite

import (
	"context"
	"strings"
)

// inClauseChunk bounds the number of bound parameters per IN (...) list.
const inClauseChunk = 500

// upsertContent writes the body row for an entity.
func upsertContent(ctx context.Context, q querier, entityID, body string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO contents (entity_id, body) VALUES (?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET body = excluded.body
	`, entityID, body)
	return err
}

// replaceImages swaps the entity's image set for urls. Producers always send
// the full current set, so this is delete-all then insert.
func replaceImages(ctx context.Context, q querier, entityID string, urls []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM images WHERE entity_id = ?`, entityID); err != nil {
		return err
	}
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO images (entity_id, image_url) VALUES (?, ?)`, entityID, u); err != nil {
			return err
		}
	}
	return nil
}

// loadImages returns image URLs per entity, in insertion order.
func loadImages(ctx context.Context, q querier, ids []string) (map[string][]string, error) {
	images := make(map[string][]string)
	for start := 0; start < len(ids); start += inClauseChunk {
		chunk := ids[start:min(start+inClauseChunk, len(ids))]
		inClause, args := buildInClause(chunk)

		rows, err := q.QueryContext(ctx,
			`SELECT entity_id, image_url FROM images WHERE entity_id IN (`+inClause+`) ORDER BY id`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var entityID, url string
			if err := rows.Scan(&entityID, &url); err != nil {
				_ = rows.Close()
				return nil, err
			}
			images[entityID] = append(images[entityID], url)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return images, nil
}

// deleteWhereIn deletes rows of table whose column is in ids.
// table and column are always package constants.
func deleteWhereIn(ctx context.Context, q querier, table, column string, ids []string) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += inClauseChunk {
		chunk := ids[start:min(start+inClauseChunk, len(ids))]
		inClause, args := buildInClause(chunk)
		res, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+column+` IN (`+inClause+`)`, args...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func buildInClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
