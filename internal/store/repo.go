// Package store is the relational graph backend: PostgreSQL/TimescaleDB in production and
// SQLite for single-node setups and tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/graph"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Repo struct {
	db *gorm.DB
}

var _ graph.Store = (*Repo)(nil)

func gormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger()},
	)
}

func OpenSQLite(path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		path = "file:analytics?mode=memory&cache=shared"
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger()})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&EntityRow{}, &StateRow{}, &EdgeRow{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repo) Close(context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Entities ---

func (r *Repo) UpsertEntity(ctx context.Context, in graph.Entity, observedAt time.Time) (graph.EntityChange, error) {
	observedAt = observedAt.UTC()
	var change graph.EntityChange
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, found, err := takeEntity(tx, in.ID)
		if err != nil {
			return err
		}
		if !found {
			e := graph.NewEntity(in, observedAt)
			nr, err := entityToRow(e)
			if err != nil {
				return err
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&nr)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				change = graph.EntityChange{Entity: e, Created: true}
				if e.Room == "" {
					return nil
				}
				return linkRoom(tx, e.ID, e.Room)
			}
			// Another writer created it first; merge into theirs.
			if row, found, err = takeEntity(tx, in.ID); err != nil {
				return err
			} else if !found {
				return fmt.Errorf("entity %q vanished during upsert", in.ID)
			}
		}

		existing := rowToEntity(row)
		merged, changed := graph.MergeEntity(existing, in, observedAt)
		change.Entity = merged
		if merged.Room != existing.Room {
			change.RoomChanged = true
			change.PreviousRoom = existing.Room
		}
		if !changed {
			return nil
		}
		attrs, err := encodeJSON(merged.Attributes)
		if err != nil {
			return err
		}
		err = tx.Model(&EntityRow{}).Where("id = ?", in.ID).Updates(map[string]any{
			"type":          merged.Type,
			"name":          merged.Name,
			"room":          merged.Room,
			"attributes":    attrs,
			"first_seen":    merged.FirstSeen.UTC(),
			"attrs_at":      merged.AttrsAt.UTC(),
			"last_state_at": merged.LastStateAt.UTC(),
			"last_value":    merged.LastValue,
		}).Error
		if err != nil || !change.RoomChanged {
			return err
		}
		return linkRoom(tx, in.ID, merged.Room)
	})
	if err != nil {
		return graph.EntityChange{}, classify(err)
	}
	return change, nil
}

func takeEntity(tx *gorm.DB, id string) (EntityRow, bool, error) {
	var row EntityRow
	err := tx.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EntityRow{}, false, nil
	}
	if err != nil {
		return EntityRow{}, false, err
	}
	return row, true, nil
}

func (r *Repo) Entity(ctx context.Context, id string) (graph.Entity, error) {
	row, found, err := takeEntity(r.db.WithContext(ctx), id)
	if err != nil {
		return graph.Entity{}, err
	}
	if !found {
		return graph.Entity{}, fmt.Errorf("entity %q: %w", id, graph.ErrNotFound)
	}
	return rowToEntity(row), nil
}

func (r *Repo) Entities(ctx context.Context, f graph.EntityFilter) ([]graph.Entity, error) {
	q := r.db.WithContext(ctx).Model(&EntityRow{})
	if room := strings.TrimSpace(f.Room); room != "" {
		q = q.Where("LOWER(room) = ?", strings.ToLower(room))
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	var rows []EntityRow
	if err := q.Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]graph.Entity, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToEntity(row))
	}
	return out, nil
}

// --- States ---

func (r *Repo) AppendState(ctx context.Context, s graph.State) (bool, error) {
	row, err := stateToRow(s)
	if err != nil {
		return false, err
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) States(ctx context.Context, q graph.StateQuery) ([]graph.State, error) {
	exprs := []clause.Expression{}
	if len(q.EntityIDs) > 0 {
		ids := make([]any, 0, len(q.EntityIDs))
		for _, id := range q.EntityIDs {
			ids = append(ids, id)
		}
		exprs = append(exprs, clause.IN{Column: clause.Column{Name: "entity_id"}, Values: ids})
	}
	if !q.From.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "ts"}, Value: q.From.UTC()})
	}
	if !q.To.IsZero() {
		exprs = append(exprs, clause.Lt{Column: clause.Column{Name: "ts"}, Value: q.To.UTC()})
	}
	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "entity_id"}},
		{Column: clause.Column{Name: "ts"}},
		{Column: clause.Column{Name: "seq"}},
	}}

	tx := r.db.WithContext(ctx)
	if len(exprs) > 0 {
		tx = tx.Clauses(clause.Where{Exprs: exprs})
	}
	var rows []StateRow
	if err := tx.Clauses(order).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]graph.State, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToState(row))
	}
	return out, nil
}

func (r *Repo) History(ctx context.Context, q graph.HistoryQuery) (graph.StatePage, error) {
	limit := graph.ClampLimit(q.Limit)

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "entity_id"}, Value: q.EntityID},
	}
	if !q.From.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "ts"}, Value: q.From.UTC()})
	}
	if !q.To.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "ts"}, Value: q.To.UTC()})
	}
	if c := q.Cursor; c != nil {
		if q.Desc {
			exprs = append(exprs, clause.Or(
				clause.Lt{Column: clause.Column{Name: "ts"}, Value: c.TS.UTC()},
				clause.And(
					clause.Eq{Column: clause.Column{Name: "ts"}, Value: c.TS.UTC()},
					clause.Lt{Column: clause.Column{Name: "seq"}, Value: c.Seq},
				),
			))
		} else {
			exprs = append(exprs, clause.Or(
				clause.Gt{Column: clause.Column{Name: "ts"}, Value: c.TS.UTC()},
				clause.And(
					clause.Eq{Column: clause.Column{Name: "ts"}, Value: c.TS.UTC()},
					clause.Gt{Column: clause.Column{Name: "seq"}, Value: c.Seq},
				),
			))
		}
	}

	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "ts"}, Desc: q.Desc},
		{Column: clause.Column{Name: "seq"}, Desc: q.Desc},
	}}

	var rows []StateRow
	if err := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Limit(limit + 1).Find(&rows).Error; err != nil {
		return graph.StatePage{}, err
	}

	var next *graph.Cursor
	if len(rows) > limit {
		last := rows[limit-1]
		next = &graph.Cursor{TS: last.TS, Seq: last.Seq}
		rows = rows[:limit]
	}

	out := graph.StatePage{States: make([]graph.State, 0, len(rows))}
	for _, row := range rows {
		out.States = append(out.States, rowToState(row))
	}
	if next != nil {
		out.NextCursor = graph.EncodeCursor(*next)
	}
	return out, nil
}

// --- Edges ---

// linkRoom replaces the SAME_ROOM edges of entityID with edges to every other entity whose room
// matches room case-insensitively.
func linkRoom(tx *gorm.DB, entityID, room string) error {
	if err := tx.Where("type = ? AND (from_id = ? OR to_id = ?)", string(graph.EdgeSameRoom), entityID, entityID).
		Delete(&EdgeRow{}).Error; err != nil {
		return err
	}
	room = strings.ToLower(strings.TrimSpace(room))
	if room == "" {
		return nil
	}
	var others []string
	if err := tx.Model(&EntityRow{}).Where("LOWER(room) = ? AND id <> ?", room, entityID).Order("id asc").Pluck("id", &others).Error; err != nil {
		return err
	}
	if len(others) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]EdgeRow, 0, len(others))
	for _, other := range others {
		from, to := canonicalPair(entityID, other)
		rows = append(rows, EdgeRow{FromID: from, ToID: to, Type: string(graph.EdgeSameRoom), Weight: 1, UpdatedAt: now})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *Repo) UpsertEdge(ctx context.Context, e graph.Edge) error {
	if e.Type == graph.EdgeSameRoom {
		e.FromID, e.ToID = canonicalPair(e.FromID, e.ToID)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	row := EdgeRow{FromID: e.FromID, ToID: e.ToID, Type: string(e.Type), Weight: e.Weight, UpdatedAt: e.UpdatedAt.UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "from_id"}, {Name: "to_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"weight", "updated_at"}),
	}).Create(&row).Error
	return classify(err)
}

func (r *Repo) Edges(ctx context.Context, entityID string) ([]graph.Edge, error) {
	var rows []EdgeRow
	if err := r.db.WithContext(ctx).
		Where("from_id = ? OR to_id = ?", entityID, entityID).
		Order("type asc, from_id asc, to_id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]graph.Edge, 0, len(rows))
	for _, row := range rows {
		out = append(out, graph.Edge{FromID: row.FromID, ToID: row.ToID, Type: graph.EdgeType(row.Type), Weight: row.Weight, UpdatedAt: row.UpdatedAt})
	}
	return out, nil
}

// --- helpers ---

// classify marks transient database conflicts so the writer retries them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", graph.ErrWriteConflict, err)
		}
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") || strings.Contains(msg, "sqlite_busy") {
		return fmt.Errorf("%w: %w", graph.ErrWriteConflict, err)
	}
	return err
}

func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func encodeJSON(m map[string]any) (datatypes.JSON, error) {
	if len(m) == 0 {
		return datatypes.JSON("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decodeJSON(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func entityToRow(e graph.Entity) (EntityRow, error) {
	attrs, err := encodeJSON(e.Attributes)
	if err != nil {
		return EntityRow{}, err
	}
	return EntityRow{
		ID:          e.ID,
		Type:        e.Type,
		Name:        e.Name,
		Room:        e.Room,
		Attributes:  attrs,
		FirstSeen:   e.FirstSeen.UTC(),
		AttrsAt:     e.AttrsAt.UTC(),
		LastStateAt: e.LastStateAt.UTC(),
		LastValue:   e.LastValue,
	}, nil
}

func rowToEntity(row EntityRow) graph.Entity {
	return graph.Entity{
		ID:          row.ID,
		Type:        row.Type,
		Name:        row.Name,
		Room:        row.Room,
		Attributes:  decodeJSON(row.Attributes),
		FirstSeen:   row.FirstSeen.UTC(),
		AttrsAt:     row.AttrsAt.UTC(),
		LastStateAt: row.LastStateAt.UTC(),
		LastValue:   row.LastValue,
	}
}

func stateToRow(s graph.State) (StateRow, error) {
	attrs, err := encodeJSON(s.Attributes)
	if err != nil {
		return StateRow{}, err
	}
	return StateRow{
		ID:         uuid.New(),
		EntityID:   s.EntityID,
		TS:         s.TS.UTC(),
		EventID:    s.EventID,
		Seq:        s.Seq,
		Value:      s.Value,
		Numeric:    s.Numeric,
		Attributes: attrs,
		Late:       s.Late,
		IngestedAt: time.Now().UTC(),
	}, nil
}

func rowToState(row StateRow) graph.State {
	return graph.State{
		EntityID:   row.EntityID,
		TS:         row.TS.UTC(),
		EventID:    row.EventID,
		Seq:        row.Seq,
		Value:      row.Value,
		Numeric:    row.Numeric,
		Attributes: decodeJSON(row.Attributes),
		Late:       row.Late,
	}
}
