package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"slidesync-server/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS presentations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS slides (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	presentation_id INTEGER NOT NULL REFERENCES presentations(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	background_color TEXT NOT NULL DEFAULT '#FFFFFF',
	transition_type TEXT NOT NULL DEFAULT 'none',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS slide_elements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slide_id INTEGER NOT NULL REFERENCES slides(id) ON DELETE CASCADE,
	type TEXT NOT NULL CHECK (type IN ('text', 'image', 'shape')),
	content TEXT NOT NULL DEFAULT '',
	position TEXT NOT NULL DEFAULT '{"x":0,"y":0}',
	size TEXT NOT NULL DEFAULT '{"width":100,"height":100}',
	properties TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_slides_presentation ON slides(presentation_id, position);
CREATE INDEX IF NOT EXISTS idx_slide_elements_slide ON slide_elements(slide_id, created_at);
`

const elementColumns = "id, slide_id, type, content, position, size, properties, created_at, updated_at"

type store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(dataSourceName string) core.Store {
	db, err := sql.Open("sqlite3", withForeignKeys(dataSourceName))
	if err != nil {
		stdlog.Fatal(err)
	}

	if _, err = db.Exec(schema); err != nil {
		stdlog.Fatal(err)
	}

	return &store{db: db, now: time.Now}
}

// withForeignKeys turns on foreign key enforcement for every pooled
// connection so slide deletes cascade.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

func notFound(entity string, id int64) error {
	return fmt.Errorf("%s with id %d %w", entity, id, core.ErrNotFound)
}

func conflict(entity string, id int64) error {
	return fmt.Errorf("%s with id %d %w", entity, id, core.ErrConflict)
}

func (s *store) CreatePresentation(ctx context.Context, presentation *core.Presentation) error {
	if presentation.CreatedAt.IsZero() {
		presentation.CreatedAt = s.now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO presentations (title, created_at) VALUES (?, ?)",
		presentation.Title, presentation.CreatedAt)
	if err != nil {
		logrus.WithField("error", err).Error("Failed to create presentation")
		return err
	}
	if presentation.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	logrus.WithField("presentation_id", presentation.ID).Info("Presentation created successfully")
	return nil
}

func (s *store) ListPresentations(ctx context.Context, page, limit int) ([]*core.Presentation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, created_at FROM presentations ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, (page-1)*limit)
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list presentations")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close presentation rows")
		}
	}()

	presentations := make([]*core.Presentation, 0, limit)
	for rows.Next() {
		var p core.Presentation
		if err := rows.Scan(&p.ID, &p.Title, &p.CreatedAt); err != nil {
			return nil, err
		}
		presentations = append(presentations, &p)
	}
	return presentations, rows.Err()
}

func (s *store) GetPresentation(ctx context.Context, id int64) (*core.Presentation, error) {
	log := logrus.WithField("presentation_id", id)

	var p core.Presentation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at FROM presentations WHERE id = ?", id).
		Scan(&p.ID, &p.Title, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.WithField("error", "presentation not found").Warn("Presentation with specified ID not found")
			return nil, notFound("presentation", id)
		}
		log.WithField("error", err).Error("Failed to retrieve presentation")
		return nil, err
	}
	log.Info("Presentation retrieved successfully")
	return &p, nil
}

func (s *store) CreateSlide(ctx context.Context, slide *core.Slide) error {
	if slide.CreatedAt.IsZero() {
		slide.CreatedAt = s.now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO slides (presentation_id, position, background_color, transition_type, created_at) VALUES (?, ?, ?, ?, ?)",
		slide.PresentationID, slide.Position, slide.BackgroundColor, slide.TransitionType, slide.CreatedAt)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"presentation_id": slide.PresentationID,
			"error":           err,
		}).Error("Failed to create slide")
		return err
	}
	if slide.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	logrus.WithField("slide_id", slide.ID).Info("Slide created successfully")
	return nil
}

func (s *store) SaveSlide(ctx context.Context, slide *core.Slide) error {
	if slide.ID == 0 {
		return s.CreateSlide(ctx, slide)
	}
	if slide.CreatedAt.IsZero() {
		slide.CreatedAt = s.now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO slides (id, presentation_id, position, background_color, transition_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position,
			background_color = excluded.background_color,
			transition_type = excluded.transition_type
		WHERE slides.presentation_id = excluded.presentation_id`,
		slide.ID, slide.PresentationID, slide.Position, slide.BackgroundColor, slide.TransitionType, slide.CreatedAt)
	if err != nil {
		logrus.WithFields(logrus.Fields{"slide_id": slide.ID, "error": err}).Error("Failed to save slide")
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return conflict("slide", slide.ID)
	}
	logrus.WithField("slide_id", slide.ID).Debug("Slide saved")
	return nil
}

func (s *store) ListSlides(ctx context.Context, presentationID int64) ([]*core.Slide, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, presentation_id, position, background_color, transition_type, created_at
		FROM slides WHERE presentation_id = ? ORDER BY position ASC, id ASC`, presentationID)
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list slides")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close slide rows")
		}
	}()

	slides := make([]*core.Slide, 0)
	for rows.Next() {
		slide, err := scanSlide(rows)
		if err != nil {
			return nil, err
		}
		slides = append(slides, slide)
	}
	return slides, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSlide(row scanner) (*core.Slide, error) {
	var slide core.Slide
	err := row.Scan(&slide.ID, &slide.PresentationID, &slide.Position,
		&slide.BackgroundColor, &slide.TransitionType, &slide.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &slide, nil
}

func (s *store) GetSlide(ctx context.Context, id int64) (*core.Slide, error) {
	return s.getSlide(ctx, s.db, id)
}

func (s *store) getSlide(ctx context.Context, q querier, id int64) (*core.Slide, error) {
	slide, err := scanSlide(q.QueryRowContext(ctx,
		`SELECT id, presentation_id, position, background_color, transition_type, created_at
		FROM slides WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("slide", id)
	}
	return slide, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *store) UpdateSlide(ctx context.Context, id int64, patch core.SlidePatch) (*core.Slide, error) {
	log := logrus.WithField("slide_id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	slide, err := s.getSlide(ctx, tx, id)
	if err != nil {
		log.WithField("error", err).Warn("Slide with specified ID not found")
		return nil, err
	}
	patch.Apply(slide)

	_, err = tx.ExecContext(ctx,
		"UPDATE slides SET position = ?, background_color = ?, transition_type = ? WHERE id = ?",
		slide.Position, slide.BackgroundColor, slide.TransitionType, id)
	if err != nil {
		log.WithField("error", err).Error("Failed to update slide")
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Info("Slide updated successfully")
	return slide, nil
}

func (s *store) DeleteSlide(ctx context.Context, id int64) error {
	log := logrus.WithField("slide_id", id)

	res, err := s.db.ExecContext(ctx, "DELETE FROM slides WHERE id = ?", id)
	if err != nil {
		log.WithField("error", err).Error("Failed to delete slide")
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("slide", id)
	}

	log.Info("Slide deleted successfully")
	return nil
}

type elementRow struct {
	position, size, properties []byte
}

func encodeElement(e *core.Element) (elementRow, error) {
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	var row elementRow
	var err error
	if row.position, err = json.Marshal(e.Position); err != nil {
		return row, err
	}
	if row.size, err = json.Marshal(e.Size); err != nil {
		return row, err
	}
	if row.properties, err = json.Marshal(e.Properties); err != nil {
		return row, err
	}
	return row, nil
}

func scanElement(row scanner) (*core.Element, error) {
	var e core.Element
	var position, size, properties string
	err := row.Scan(&e.ID, &e.SlideID, &e.Type, &e.Content, &position, &size, &properties, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(position), &e.Position); err != nil {
		return nil, fmt.Errorf("decoding position of element %d: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(size), &e.Size); err != nil {
		return nil, fmt.Errorf("decoding size of element %d: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(properties), &e.Properties); err != nil {
		return nil, fmt.Errorf("decoding properties of element %d: %w", e.ID, err)
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	return &e, nil
}

func (s *store) stamp(e *core.Element) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	e.UpdatedAt = core.Later(e.UpdatedAt, e.CreatedAt)
}

func (s *store) CreateElement(ctx context.Context, element *core.Element) error {
	s.stamp(element)
	row, err := encodeElement(element)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO slide_elements (slide_id, type, content, position, size, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		element.SlideID, element.Type, element.Content, string(row.position), string(row.size), string(row.properties),
		element.CreatedAt, element.UpdatedAt)
	if err != nil {
		logrus.WithFields(logrus.Fields{"slide_id": element.SlideID, "error": err}).Error("Failed to create element")
		return err
	}
	if element.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"element_id": element.ID,
		"slide_id":   element.SlideID,
	}).Info("Element created successfully")
	return nil
}

func (s *store) SaveElement(ctx context.Context, element *core.Element) error {
	if element.ID == 0 {
		return s.CreateElement(ctx, element)
	}
	s.stamp(element)
	row, err := encodeElement(element)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO slide_elements (id, slide_id, type, content, position, size, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slide_id = excluded.slide_id,
			type = excluded.type,
			content = excluded.content,
			position = excluded.position,
			size = excluded.size,
			properties = excluded.properties,
			updated_at = excluded.updated_at
		WHERE (SELECT presentation_id FROM slides WHERE id = slide_elements.slide_id) =
			(SELECT presentation_id FROM slides WHERE id = excluded.slide_id)`,
		element.ID, element.SlideID, element.Type, element.Content, string(row.position), string(row.size),
		string(row.properties), element.CreatedAt, element.UpdatedAt)
	if err != nil {
		logrus.WithFields(logrus.Fields{"element_id": element.ID, "error": err}).Error("Failed to save element")
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return conflict("element", element.ID)
	}
	logrus.WithField("element_id", element.ID).Debug("Element saved")
	return nil
}

func (s *store) ListElements(ctx context.Context, slideID int64) ([]*core.Element, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+elementColumns+" FROM slide_elements WHERE slide_id = ? ORDER BY created_at ASC, id ASC", slideID)
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list elements")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close element rows")
		}
	}()

	elements := make([]*core.Element, 0)
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, err
		}
		elements = append(elements, e)
	}
	return elements, rows.Err()
}

func (s *store) getElement(ctx context.Context, q querier, id int64) (*core.Element, error) {
	e, err := scanElement(q.QueryRowContext(ctx,
		"SELECT "+elementColumns+" FROM slide_elements WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("element", id)
	}
	return e, err
}

func (s *store) UpdateElement(ctx context.Context, id int64, patch core.ElementPatch) (*core.Element, error) {
	log := logrus.WithField("element_id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := s.getElement(ctx, tx, id)
	if err != nil {
		log.WithField("error", err).Warn("Element with specified ID not found")
		return nil, err
	}
	patch.Apply(e, s.now().UTC())
	row, err := encodeElement(e)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE slide_elements SET content = ?, position = ?, size = ?, properties = ?, updated_at = ? WHERE id = ?",
		e.Content, string(row.position), string(row.size), string(row.properties), e.UpdatedAt, id)
	if err != nil {
		log.WithField("error", err).Error("Failed to update element")
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Info("Element updated successfully")
	return e, nil
}

func (s *store) DeleteElement(ctx context.Context, id int64) (*core.Element, error) {
	log := logrus.WithField("element_id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := s.getElement(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM slide_elements WHERE id = ?", id); err != nil {
		log.WithField("error", err).Error("Failed to delete element")
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Info("Element deleted successfully")
	return e, nil
}
