package provider

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"mapcore/internal/tile_url"
)

// MBTilesProvider reads tiles from a read-only MBTiles database.
type MBTilesProvider struct {
	addr tileAddress
	db   *sql.DB
	stmt *sql.Stmt
}

func NewMBTilesProvider(t tile_url.Template, filePath string) (*MBTilesProvider, error) {
	addr, err := newTileAddress(t)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", filePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open mbtiles: %w", err)
	}

	stmt, err := db.Prepare("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare tile query: %w", err)
	}

	return &MBTilesProvider{addr: addr, db: db, stmt: stmt}, nil
}

func (p *MBTilesProvider) Tile(url string) ([]byte, bool, error) {
	z, x, y, ok := p.addr.resolve(url)
	if !ok {
		return nil, false, nil
	}
	y = (1 << z) - 1 - y // XYZ -> TMS

	var tileData []byte
	if err := p.stmt.QueryRow(z, x, y).Scan(&tileData); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to query tile: %w", err)
	}

	return tileData, len(tileData) > 0, nil
}

// Metadata returns the key/value pairs of the metadata table.
func (p *MBTilesProvider) Metadata() (map[string]string, error) {
	metadata := make(map[string]string)

	rows, err := p.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		metadata[name] = value
	}

	return metadata, rows.Err()
}

func (p *MBTilesProvider) Close() error {
	return errors.Join(p.stmt.Close(), p.db.Close())
}
