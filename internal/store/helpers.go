package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

// encodeFields packs event fields for a nullable JSON column.
func encodeFields(fields map[string]string) (interface{}, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event fields: %w", err)
	}
	return string(data), nil
}

// scanEvent scans an Event from sql.Rows.
func scanEvent(rows *sql.Rows) (models.Event, error) {
	var e models.Event
	var typ string
	var fields sql.NullString
	if err := rows.Scan(&e.ID, &typ, &e.Message, &fields, &e.Time); err != nil {
		return e, fmt.Errorf("scan event failed: %w", err)
	}
	e.Type = models.EventType(typ)
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &e.Fields); err != nil {
			return e, fmt.Errorf("failed to decode event fields: %w", err)
		}
	}
	return e, nil
}
