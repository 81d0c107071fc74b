// Package ingest parses uploaded activity logs (CSV or JSON) into the
// event store. Unknown user ids are created on first sight; derived event
// fields are computed here, once, and never recomputed downstream.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nelssec/ueba/internal/models"
	"github.com/nelssec/ueba/internal/store"
)

const batchSize = 5000

var ErrEmptyUpload = errors.New("empty upload")

// nightStart/nightEnd bound the is_night derived flag: 22:00-05:59.
const (
	nightStart = 22
	nightEnd   = 6
)

type Ingestor struct {
	store  *store.Store
	logger *slog.Logger
}

func New(st *store.Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: st, logger: logger}
}

// Row is one uploaded record with column names lowercased.
type Row map[string]string

// Ingest reads the upload, upserts users by external uid, resolves activity
// type codes and bulk-inserts events in batches. Returns the number of
// events inserted.
func (i *Ingestor) Ingest(ctx context.Context, r io.Reader) (int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("reading upload: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return 0, ErrEmptyUpload
	}

	rows, err := parseRows(raw)
	if err != nil {
		return 0, err
	}

	userIDs := make(map[string]int64)
	typeIDs := make(map[string]int64)

	inserted := 0
	buffer := make([]models.ActivityEvent, 0, batchSize)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		n, err := i.store.InsertEvents(ctx, buffer)
		if err != nil {
			return err
		}
		inserted += n
		buffer = buffer[:0]
		return nil
	}

	for idx, row := range rows {
		uid := strings.TrimSpace(row["uid"])
		tsRaw := strings.TrimSpace(row["timestamp"])
		atCode := strings.TrimSpace(row["activity_type"])
		if uid == "" || tsRaw == "" || atCode == "" {
			return 0, fmt.Errorf("row %d: missing required column (uid, timestamp, activity_type)", idx+1)
		}

		userID, ok := userIDs[uid]
		if !ok {
			u, err := i.store.UpsertUserByUID(ctx, uid, row["username"], row["email"])
			if err != nil {
				return 0, err
			}
			userID = u.ID
			userIDs[uid] = userID
		}

		typeID, ok := typeIDs[atCode]
		if !ok {
			typeID, err = i.store.ResolveActivityTypeID(ctx, i.store.DB(), atCode)
			if err != nil {
				return 0, err
			}
			typeIDs[atCode] = typeID
		}

		ts, err := parseTimestamp(tsRaw)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", idx+1, err)
		}

		event := models.ActivityEvent{
			UserID:         userID,
			Timestamp:      ts,
			ActivityTypeID: typeID,
			Hour:           ts.Hour(),
			IsWeekend:      isWeekend(ts),
			IsNight:        isNight(ts.Hour()),
		}
		if ip := strings.TrimSpace(row["source_ip"]); ip != "" {
			event.SourceIP = &ip
		}
		if params := rowParams(row); len(params) > 0 {
			event.Params = params
		}

		buffer = append(buffer, event)
		if len(buffer) >= batchSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}

	if err := flush(); err != nil {
		return 0, err
	}

	i.logger.Info("ingested activity log",
		"events", inserted,
		"users", len(userIDs),
		"activity_types", len(typeIDs))

	return inserted, nil
}

// parseRows sniffs the payload format: JSON when it opens with a brace or
// bracket, CSV with a header row otherwise.
func parseRows(raw []byte) ([]Row, error) {
	text := strings.TrimLeft(string(raw), " \t\r\n")
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return parseJSON([]byte(text))
	}
	return parseCSV(strings.NewReader(text))
}

func parseJSON(raw []byte) ([]Row, error) {
	var objects []map[string]interface{}

	if strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		// Envelope form: {"rows": [...]} or {"data": [...]}.
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("parsing JSON upload: %w", err)
		}
		inner, ok := envelope["rows"]
		if !ok {
			inner, ok = envelope["data"]
		}
		if !ok {
			return nil, errors.New("JSON upload must be a list of objects or contain a rows/data list")
		}
		raw = inner
	}

	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, fmt.Errorf("parsing JSON upload: %w", err)
	}

	rows := make([]Row, 0, len(objects))
	for _, obj := range objects {
		row := make(Row, len(obj))
		for k, v := range obj {
			row[strings.ToLower(k)] = fmt.Sprintf("%v", v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}
		row := make(Row, len(header))
		for i, value := range record {
			if i < len(header) {
				row[header[i]] = value
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// rowParams keeps the full uploaded record as the event's parameter map,
// minus nothing: operators reconstruct ingestion context from it.
func rowParams(row Row) models.JSONB {
	params := make(models.JSONB, len(row))
	for k, v := range row {
		params[k] = v
	}
	return params
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp: %q", raw)
}

func isWeekend(ts time.Time) bool {
	wd := ts.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func isNight(hour int) bool {
	return hour >= nightStart || hour < nightEnd
}
